package isolate

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// Syscall names understood by the mutation environment.
const (
	SyscallInsert          = "1.0/insert"
	SyscallGet             = "1.0/get"
	SyscallReplace         = "1.0/replace"
	SyscallPatch           = "1.0/patch"
	SyscallDelete          = "1.0/delete"
	SyscallQueryFull       = "1.0/queryFull"
	SyscallCount           = "1.0/count"
	SyscallGetUserIdentity = "1.0/getUserIdentity"
)

func (inv *invocation) installGlobals(L *lua.LState) {
	L.SetGlobal("db", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"insert":  inv.dbInsert,
		"get":     inv.dbGet,
		"replace": inv.dbReplace,
		"patch":   inv.dbPatch,
		"delete":  inv.dbDelete,
		"query":   inv.dbQuery,
		"count":   inv.dbCount,
	}))

	L.SetGlobal("auth", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"getUserIdentity": inv.authGetUserIdentity,
	}))

	L.SetGlobal("console", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":   inv.consoleFunc(udf.LogLog),
		"debug": inv.consoleFunc(udf.LogDebug),
		"info":  inv.consoleFunc(udf.LogInfo),
		"warn":  inv.consoleFunc(udf.LogWarn),
		"error": inv.consoleFunc(udf.LogError),
	}))

	L.SetGlobal("env", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": inv.envGet,
	}))

	L.SetGlobal("host", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"now":           inv.hostNow,
		"random":        inv.hostRandom,
		"tables":        inv.hostTables,
		"syscall":       inv.hostSyscall,
		"async_syscall": inv.hostAsyncSyscall,
		"sleep":         inv.hostSleep,
		"sleep_until":   inv.hostSleepUntil,
		"async_op":      inv.hostAsyncOp,
		"await":         inv.hostAwait,
	}))

	L.SetGlobal("require", L.NewFunction(inv.require))

	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetFuncs(math, map[string]lua.LGFunction{
			"random":     inv.mathRandom,
			"randomseed": mathRandomSeed,
		})
	}
}

// call issues a request and raises any error inside Lua.
func (inv *invocation) call(L *lua.LState, req Request) Response {
	resp, err := inv.host.Handle(inv.ctx, req)
	if err != nil {
		inv.fail(L, err)
	}
	return resp
}

func (inv *invocation) syscall(L *lua.LState, name string, args value.Object) lua.LValue {
	resp := inv.call(L, Syscall{Name: name, Args: args})
	return toLua(L, resp.Value)
}

func checkObject(L *lua.LState, n int) value.Object {
	obj, err := fromLuaObject(L.CheckTable(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return obj
}

func checkValue(L *lua.LState, n int) value.Value {
	v, err := fromLua(L.Get(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

func (inv *invocation) dbInsert(L *lua.LState) int {
	table := L.CheckString(1)
	doc := checkObject(L, 2)
	resp := inv.call(L, Syscall{
		Name: SyscallInsert,
		Args: value.Object{"table": value.String(table), "value": doc},
	})
	id, _ := field(resp.Value, "_id").(value.String)
	L.Push(lua.LString(id))
	return 1
}

func (inv *invocation) dbGet(L *lua.LState) int {
	id := L.CheckString(1)
	L.Push(inv.syscall(L, SyscallGet, value.Object{"id": value.String(id)}))
	return 1
}

func (inv *invocation) dbReplace(L *lua.LState) int {
	id := L.CheckString(1)
	doc := checkObject(L, 2)
	inv.syscall(L, SyscallReplace, value.Object{"id": value.String(id), "value": doc})
	return 0
}

func (inv *invocation) dbPatch(L *lua.LState) int {
	id := L.CheckString(1)
	doc := checkObject(L, 2)
	inv.syscall(L, SyscallPatch, value.Object{"id": value.String(id), "value": doc})
	return 0
}

func (inv *invocation) dbDelete(L *lua.LState) int {
	id := L.CheckString(1)
	inv.syscall(L, SyscallDelete, value.Object{"id": value.String(id)})
	return 0
}

func (inv *invocation) dbQuery(L *lua.LState) int {
	table := L.CheckString(1)
	L.Push(inv.syscall(L, SyscallQueryFull, value.Object{"table": value.String(table)}))
	return 1
}

func (inv *invocation) dbCount(L *lua.LState) int {
	table := L.CheckString(1)
	L.Push(inv.syscall(L, SyscallCount, value.Object{"table": value.String(table)}))
	return 1
}

func (inv *invocation) authGetUserIdentity(L *lua.LState) int {
	L.Push(inv.syscall(L, SyscallGetUserIdentity, value.Object{}))
	return 1
}

func (inv *invocation) consoleFunc(level udf.LogLevel) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		msgs := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			msgs = append(msgs, L.ToStringMeta(L.Get(i)).String())
		}
		inv.call(L, Trace{Level: level, Messages: msgs})
		return 0
	}
}

func (inv *invocation) envGet(L *lua.LState) int {
	resp := inv.call(L, EnvVar{Name: L.CheckString(1)})
	if resp.EnvValue == nil {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LString(*resp.EnvValue))
	}
	return 1
}

func (inv *invocation) hostNow(L *lua.LState) int {
	L.Push(lua.LNumber(inv.call(L, Now{}).Now))
	return 1
}

// hostRandom returns a uniform float in [0, 1).
func (inv *invocation) hostRandom(L *lua.LState) int {
	L.Push(lua.LNumber(inv.randomFloat(L)))
	return 1
}

func (inv *invocation) randomFloat(L *lua.LState) float64 {
	u := inv.call(L, Random{}).Random
	return float64(u>>11) / (1 << 53)
}

func (inv *invocation) hostTables(L *lua.LState) int {
	resp := inv.call(L, TableMapping{})
	tbl := L.CreateTable(0, len(resp.Tables))
	for name, number := range resp.Tables {
		tbl.RawSetString(name, lua.LNumber(number))
	}
	L.Push(tbl)
	return 1
}

func (inv *invocation) hostSyscall(L *lua.LState) int {
	name := L.CheckString(1)
	args := checkValue(L, 2)
	resp := inv.call(L, Syscall{Name: name, Args: args})
	L.Push(toLua(L, resp.Value))
	return 1
}

func (inv *invocation) hostAsyncSyscall(L *lua.LState) int {
	name := L.CheckString(1)
	args := checkValue(L, 2)
	resp := inv.call(L, AsyncSyscall{Name: name, Args: args})
	L.Push(lua.LNumber(resp.Op))
	return 1
}

func (inv *invocation) hostSleep(L *lua.LState) int {
	ms := L.CheckInt64(1)
	if ms < 0 {
		ms = 0
	}
	now := inv.call(L, Now{}).Now
	resp := inv.call(L, AsyncOp{Op: SleepOp{Until: now + ms}})
	L.Push(lua.LNumber(resp.Op))
	return 1
}

func (inv *invocation) hostSleepUntil(L *lua.LState) int {
	until := L.CheckInt64(1)
	resp := inv.call(L, AsyncOp{Op: SleepOp{Until: until}})
	L.Push(lua.LNumber(resp.Op))
	return 1
}

func (inv *invocation) hostAsyncOp(L *lua.LState) int {
	name := L.CheckString(1)
	args := checkValue(L, 2)
	var op AsyncOpRequest = OtherOp{Name: name, Args: args}
	if name == "sleep" {
		until, ok := field(args, "until").(value.Int)
		if !ok {
			L.ArgError(2, "sleep requires an integer until")
		}
		op = SleepOp{Until: int64(until)}
	}
	resp := inv.call(L, AsyncOp{Op: op})
	L.Push(lua.LNumber(resp.Op))
	return 1
}

func (inv *invocation) hostAwait(L *lua.LState) int {
	handle := L.CheckInt64(1)
	if handle <= 0 {
		L.ArgError(1, "invalid async handle")
	}
	c, err := inv.host.Await(inv.ctx, OpID(handle))
	if err != nil {
		inv.fail(L, err)
	}
	if c.Err != nil {
		inv.fail(L, c.Err)
	}
	L.Push(toLua(L, c.Result))
	return 1
}

// require loads another module by path, with or without the .lua suffix.
// Modules are evaluated once per run.
func (inv *invocation) require(L *lua.LState) int {
	name := L.CheckString(1)
	if !strings.HasSuffix(name, ".lua") {
		name += ".lua"
	}
	v, err := inv.loadModule(L, name)
	if err != nil {
		inv.fail(L, err)
	}
	L.Push(v)
	return 1
}

// mathRandom follows the Lua 5.1 signature: no arguments give a float in
// [0, 1), (m) an integer in [1, m] and (m, n) an integer in [m, n].
func (inv *invocation) mathRandom(L *lua.LState) int {
	var lo, hi int64
	switch L.GetTop() {
	case 0:
		L.Push(lua.LNumber(inv.randomFloat(L)))
		return 1
	case 1:
		lo, hi = 1, L.CheckInt64(1)
	default:
		lo, hi = L.CheckInt64(1), L.CheckInt64(2)
	}
	if lo > hi {
		L.ArgError(L.GetTop(), "interval is empty")
	}
	u := inv.call(L, Random{}).Random
	L.Push(lua.LNumber(randomInRange(u, lo, hi)))
	return 1
}

// randomInRange maps u onto [lo, hi]. A span covering all of int64 wraps to
// zero, in which case u is used whole.
func randomInRange(u uint64, lo, hi int64) int64 {
	span := uint64(hi-lo) + 1
	if span == 0 {
		return int64(u)
	}
	return lo + int64(u%span)
}

func mathRandomSeed(L *lua.LState) int {
	L.RaiseError("math.randomseed is not available: the generator is seeded by the host")
	return 0
}

func field(v value.Value, key string) value.Value {
	obj, ok := v.(value.Object)
	if !ok {
		return nil
	}
	return obj.Get(key)
}
