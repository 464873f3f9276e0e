package isolate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

func runTest(t *testing.T, rt runtime.Runtime, env *TestEnvironment, path string, args ...value.Value) (*RunResult, error) {
	t.Helper()
	t.Cleanup(env.Close)
	r := NewRunner(rt, nil)
	return r.Run(context.Background(), env, udf.MustParsePath(path), value.Array(args))
}

func runSource(t *testing.T, src string, args ...value.Value) (*RunResult, error) {
	t.Helper()
	rt := runtime.NewTestRuntime()
	return runTest(t, rt, NewTestEnvironment(rt, src, nil), "test", args...)
}

func TestRunner_ReturnsValue(t *testing.T) {
	res, err := runSource(t, `
local M = {}
function M.default(a, b)
	return { sum = a + b, list = { a, b }, ok = true, none = nil }
end
return M
`, value.Int(1), value.Int(2))
	require.NoError(t, err)
	assert.Equal(t, value.Object{
		"sum":  value.Int(3),
		"list": value.Array{value.Int(1), value.Int(2)},
		"ok":   value.Bool(true),
	}, res.Value)
}

func TestRunner_NamedExport(t *testing.T) {
	rt := runtime.NewTestRuntime()
	env := NewTestEnvironment(rt, `return { greet = function(args) return "hello " .. args.name end }`, nil)
	res, err := runTest(t, rt, env, "test:greet", value.Object{"name": value.String("ada")})
	require.NoError(t, err)
	assert.Equal(t, value.String("hello ada"), res.Value)
}

func TestRunner_SandboxRemovesUnsafeGlobals(t *testing.T) {
	res, err := runSource(t, `
return { default = function()
	return {
		dofile = dofile == nil,
		loadfile = loadfile == nil,
		load = load == nil,
		loadstring = loadstring == nil,
		collectgarbage = collectgarbage == nil,
		print = print == nil,
		io = io == nil,
		os = os == nil,
		package = package == nil,
	}
end }
`)
	require.NoError(t, err)
	for k, v := range res.Value.(value.Object) {
		assert.Equal(t, value.Bool(true), v, "global %s should be absent", k)
	}
}

func TestRunner_UserErrorIsFunctionError(t *testing.T) {
	_, err := runSource(t, `return { default = function() error("boom") end }`)
	require.Error(t, err)
	assert.True(t, IsFunctionError(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestRunner_SyntaxErrorIsFunctionError(t *testing.T) {
	_, err := runSource(t, `return { default = function( end }`)
	assert.True(t, IsFunctionError(err))
}

func TestRunner_MissingExport(t *testing.T) {
	_, err := runSource(t, `return { other = function() end }`)
	require.Error(t, err)
	assert.True(t, IsFunctionError(err))
	assert.Contains(t, err.Error(), "no exported function default")
}

func TestRunner_ModuleMustReturnTable(t *testing.T) {
	_, err := runSource(t, `return 1`)
	assert.True(t, IsFunctionError(err))
}

func TestRunner_MissingModuleIsContractViolation(t *testing.T) {
	rt := runtime.NewTestRuntime()
	env := NewTestEnvironment(rt, `return {}`, nil)
	_, err := runTest(t, rt, env, "elsewhere")
	assert.True(t, IsContractViolation(err))
}

func TestRunner_UnsupportedResult(t *testing.T) {
	_, err := runSource(t, `return { default = function() return function() end end }`)
	assert.True(t, IsFunctionError(err))
}

func TestRunner_FractionalNumbers(t *testing.T) {
	res, err := runSource(t, `
return { default = function(price)
	return { price = price, half = price / 2, whole = price * 2 }
end }
`, value.Float(1.5))
	require.NoError(t, err)
	assert.Equal(t, value.Object{
		"price": value.Float(1.5),
		"half":  value.Float(0.75),
		"whole": value.Int(3),
	}, res.Value)
}

func TestRunner_FatalErrorSurvivesPcall(t *testing.T) {
	_, err := runSource(t, `
return { default = function()
	local ok = pcall(db.get, "objects|1")
	return ok
end }
`)
	require.Error(t, err)
	assert.True(t, IsContractViolation(err), "got %v", err)
}

func TestRunner_ArgumentErrorsAreCatchable(t *testing.T) {
	res, err := runSource(t, `
return { default = function()
	local ok = pcall(host.syscall, "1.0/get", 1.5)
	return ok
end }
`)
	require.NoError(t, err)
	assert.Equal(t, value.Bool(false), res.Value)
}

func TestRunner_Require(t *testing.T) {
	rt := runtime.NewTestRuntime()
	env := NewTestEnvironment(rt, `
local lib = require("lib")
local again = require("lib.lua")
return { default = function(x) return lib.double(x) + again.calls end }
`, nil)
	env.AddModule("lib.lua", `
local M = { calls = 0 }
M.calls = M.calls + 1
function M.double(x) return x * 2 end
return M
`)
	res, err := runTest(t, rt, env, "test", value.Int(20))
	require.NoError(t, err)
	assert.Equal(t, value.Int(41), res.Value)
}

func TestRunner_RequireMissingIsFatal(t *testing.T) {
	_, err := runSource(t, `
return { default = function()
	pcall(require, "nope")
	return 1
end }
`)
	assert.True(t, IsContractViolation(err))
}

func TestRunner_RandomIsDeterministic(t *testing.T) {
	src := `
return { default = function()
	return { math.random(1, 100), math.random(10), math.random(5, 5), math.floor(math.random() * 1000) }
end }
`
	first, err := runSource(t, src)
	require.NoError(t, err)
	second, err := runSource(t, src)
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)

	arr := first.Value.(value.Array)
	require.Len(t, arr, 4)
	assert.GreaterOrEqual(t, int64(arr[0].(value.Int)), int64(1))
	assert.LessOrEqual(t, int64(arr[0].(value.Int)), int64(100))
	assert.Equal(t, value.Int(5), arr[2])
}

func TestRandomInRange(t *testing.T) {
	tests := []struct {
		name   string
		u      uint64
		lo, hi int64
		want   int64
	}{
		{"single value", 12345, 5, 5, 5},
		{"small range", 7, 1, 3, 2},
		{"negative bounds", 3, -2, 2, 1},
		{"full range low", 0, math.MinInt64, math.MaxInt64, 0},
		{"full range high bit", 1 << 63, math.MinInt64, math.MaxInt64, math.MinInt64},
		{"full range all ones", math.MaxUint64, math.MinInt64, math.MaxInt64, -1},
		{"wide non-full range", math.MaxUint64 - 1, math.MinInt64 + 1, math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := randomInRange(tt.u, tt.lo, tt.hi)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, tt.lo)
			assert.LessOrEqual(t, got, tt.hi)
		})
	}
}

func TestRunner_RandomSeedIsRefused(t *testing.T) {
	_, err := runSource(t, `return { default = function() math.randomseed(1) end }`)
	assert.True(t, IsFunctionError(err))
}

func TestRunner_NowIsLogical(t *testing.T) {
	res, err := runSource(t, `return { default = function() return host.now() end }`)
	require.NoError(t, err)
	assert.Equal(t, value.Int(runtime.DefaultTestEpoch.UnixMilli()), res.Value)
}

func TestRunner_SleepAdvancesLogicalClock(t *testing.T) {
	rt := runtime.NewProd()
	env := NewTestEnvironment(rt, `
return { default = function()
	local t0 = host.now()
	local slow = host.sleep(30)
	local fast = host.sleep(10)
	host.await(slow)
	host.await(fast)
	return host.now() - t0
end }
`, nil)
	res, err := runTest(t, rt, env, "test")
	require.NoError(t, err)
	assert.Equal(t, value.Int(30), res.Value)
}

func TestRunner_AwaitUnknownHandle(t *testing.T) {
	_, err := runSource(t, `return { default = function() return host.await(42) end }`)
	require.Error(t, err)
	assert.True(t, IsFunctionError(err))
	assert.Contains(t, err.Error(), "unknown async handle")
}

func TestRunner_AsyncHandles(t *testing.T) {
	res, err := runSource(t, `
return { default = function()
	local a = host.async_syscall("1.0/fetch", { url = "x" })
	local b = host.async_op("unknownKind", {})
	return { a, b }
end }
`)
	require.NoError(t, err)
	assert.Equal(t, value.Array{value.Int(1), value.Int(2)}, res.Value)
}

func TestRunner_UserTimeout(t *testing.T) {
	rt := runtime.NewProd()
	env := NewTestEnvironment(rt, `return { default = function() while true do end end }`, nil)
	env.SetTimeouts(50*time.Millisecond, time.Hour)

	_, err := runTest(t, rt, env, "test")
	require.Error(t, err)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ErrCodeTimeout, ie.Code)
	assert.Equal(t, TimeoutUser, ie.Timeout)
}

func TestRunner_ConsoleAndEnv(t *testing.T) {
	rt := runtime.NewTestRuntime()
	env := NewTestEnvironment(rt, `
return { default = function()
	console.log("a", 1, true)
	console.warn("careful")
	return env.get("MISSING") == nil
end }
`, nil)
	res, err := runTest(t, rt, env, "test")
	require.NoError(t, err)
	assert.Equal(t, value.Bool(true), res.Value)

	lines := env.LogLines()
	require.Len(t, lines, 2)
	assert.Equal(t, udf.LogLog, lines[0].Level)
	assert.Equal(t, []string{"a", "1", "true"}, lines[0].Messages)
	assert.Equal(t, udf.LogWarn, lines[1].Level)
	assert.Equal(t, runtime.DefaultTestEpoch.UnixMilli(), lines[1].Timestamp)

	assert.Equal(t, []TraceEntry{
		{Capability: "lookup_source", Name: TestModulePath},
		{Capability: "trace", Name: "LOG"},
		{Capability: "trace", Name: "WARN"},
		{Capability: "env_var", Name: "MISSING"},
	}, res.Trace)
}

func TestRunner_TableMappingUnavailable(t *testing.T) {
	_, err := runSource(t, `return { default = function() return host.tables() end }`)
	assert.True(t, IsContractViolation(err))
}
