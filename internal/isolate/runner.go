package isolate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// removedBaseFuncs are base library functions that reach outside the
// sandbox or expose nondeterministic host state.
var removedBaseFuncs = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"collectgarbage",
	"print",
	"_printregs",
	"module",
}

// Runner executes functions in fresh Lua states.
//
// A module is a Lua chunk returning a table of exported functions:
//
//	local M = {}
//	function M.insertObject(args)
//		local id = db.insert("objects", args)
//		return db.get(id)
//	end
//	return M
//
// The only globals are the safe parts of the base, table, string and math
// libraries plus the host bindings db, console, env, auth, host and
// require. Each binding is a thin wrapper over one capability request.
type Runner struct {
	rt     runtime.Runtime
	logger *slog.Logger
}

// NewRunner returns a runner whose timeout watchdog runs on rt.
func NewRunner(rt runtime.Runtime, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{rt: rt, logger: logger}
}

// RunResult is the outcome of one function run. Trace is always set; Value
// only when the run succeeded.
type RunResult struct {
	Value value.Value
	Trace []TraceEntry
}

// Run executes path with args against env. The returned RunResult is never
// nil, so the capability trace is available even when err is set.
func (r *Runner) Run(ctx context.Context, env Environment, path udf.FunctionPath, args value.Array, opts ...HostOption) (*RunResult, error) {
	runCtx, budget := StartBudget(ctx, r.rt, env.UserTimeout(), env.SystemTimeout())
	defer budget.Stop()

	host := NewHost(env, append(opts, WithBudget(budget))...)
	inv := &invocation{
		ctx:    runCtx,
		host:   host,
		loaded: make(map[string]lua.LValue),
	}

	v, err := inv.run(path, args)
	result := &RunResult{Trace: host.Trace()}
	if err != nil {
		if exceeded := budget.Exceeded(); exceeded != nil {
			err = exceeded
		}
		r.logger.Debug("function failed",
			"path", path.String(),
			"error", err,
		)
		return result, err
	}

	result.Value = v
	return result, nil
}

type invocation struct {
	ctx    context.Context
	host   *Host
	fatal  error
	loaded map[string]lua.LValue
}

func (inv *invocation) run(path udf.FunctionPath, args value.Array) (value.Value, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(inv.ctx)

	if err := openSandbox(L); err != nil {
		return nil, NewInternalError("open sandbox: %v", err)
	}
	inv.installGlobals(L)

	exports, err := inv.loadModule(L, path.ModulePath())
	if err != nil {
		return nil, err
	}
	tbl, ok := exports.(*lua.LTable)
	if !ok {
		return nil, NewFunctionError("module %s must return a table of functions, got %s", path.ModulePath(), exports.Type())
	}
	fn, ok := tbl.RawGetString(path.Export).(*lua.LFunction)
	if !ok {
		return nil, NewFunctionError("module %s has no exported function %s", path.ModulePath(), path.Export)
	}

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = toLua(L, arg)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
		return nil, inv.classify(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if inv.fatal != nil {
		return nil, inv.fatal
	}

	v, err := fromLua(ret)
	if err != nil {
		return nil, NewFunctionError("function %s returned an unsupported value: %v", path, err)
	}
	return v, nil
}

func openSandbox(L *lua.LState) error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %s: %w", lib.name, err)
		}
	}
	for _, name := range removedBaseFuncs {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// loadModule resolves, compiles and evaluates a module, caching its value.
func (inv *invocation) loadModule(L *lua.LState, modulePath string) (lua.LValue, error) {
	if v, ok := inv.loaded[modulePath]; ok {
		return v, nil
	}

	resp, err := inv.host.Handle(inv.ctx, LookupSource{Path: modulePath})
	if err != nil {
		return nil, err
	}
	if resp.Source == nil {
		return nil, NewContractViolation("module %s not found", modulePath)
	}

	chunk, err := L.Load(strings.NewReader(resp.Source.Text), modulePath)
	if err != nil {
		return nil, NewFunctionError("failed to load %s: %v", modulePath, err)
	}
	if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		return nil, inv.classify(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if inv.fatal != nil {
		return nil, inv.fatal
	}
	inv.loaded[modulePath] = ret
	return ret, nil
}

// classify turns an error out of the Lua VM into the error to report.
func (inv *invocation) classify(err error) error {
	if inv.fatal != nil {
		return inv.fatal
	}
	if inv.ctx.Err() != nil {
		cause := context.Cause(inv.ctx)
		var ie *Error
		if errors.As(cause, &ie) {
			return ie
		}
		return fmt.Errorf("function interrupted: %w", cause)
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		msg := apiErr.Error()
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return &Error{Code: ErrCodeFunction, Message: msg}
	}
	return NewInternalError("lua: %v", err)
}

// fail raises err inside Lua. Function errors are catchable by pcall; any
// other error is recorded as fatal and reported no matter what the function
// does with it.
func (inv *invocation) fail(L *lua.LState, err error) int {
	var ie *Error
	if errors.As(err, &ie) && ie.Code == ErrCodeFunction {
		L.RaiseError("%s", ie.Message)
		return 0
	}
	if inv.fatal == nil {
		inv.fatal = err
	}
	L.RaiseError("%s", err.Error())
	return 0
}
