package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/storage/memstore"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

const basicModule = `
local M = {}

function M.insertObject(obj)
	local id = db.insert("objects", obj)
	return db.get(id)
end

function M.insertAndCount(obj)
	db.insert("objects", obj)
	return db.count("objects")
end

function M.lifecycle()
	local id = db.insert("people", { name = "ada", age = 36 })
	db.patch(id, { age = 37 })
	local patched = db.get(id)
	db.replace(id, { name = "grace" })
	local replaced = db.get(id)
	db.delete(id)
	return { patched = patched.age, replaced = replaced.name, gone = db.get(id) == nil, created = replaced._creationTime }
end

function M.listAll()
	local out = {}
	for _, doc in ipairs(db.query("objects")) do
		table.insert(out, doc.an)
	end
	return out
end

function M.fail()
	error("nope")
end

function M.badArgs()
	local ok = pcall(db.insert, "_system", {})
	local ok2 = pcall(db.insert, "objects", { _id = "forged" })
	local ok3 = pcall(db.get, "not-an-id")
	local ok4 = pcall(db.delete, "objects|missing")
	return { ok, ok2, ok3, ok4 }
end

function M.unknownSyscall()
	return host.syscall("9.9/nope", {})
end

function M.whoami()
	return auth.getUserIdentity()
end

function M.envAndLogs()
	console.log("region", env.get("REGION"))
	return env.get("UNSET") == nil
end

function M.tables()
	db.insert("a", {})
	db.insert("b", {})
	return host.tables()
end

function M.asyncInsert()
	local h = host.async_syscall("1.0/insert", { table = "objects", value = { an = "async" } })
	local bad = host.async_syscall("1.0/get", { id = "broken" })
	local res = host.await(h)
	local ok = pcall(host.await, bad)
	return { id = res._id, ok = ok }
end

return M
`

type fixture struct {
	store *memstore.Store
	exec  *Executor
	rt    *runtime.TestRuntime
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rt := runtime.NewTestRuntime()
	loader := modules.NewMapLoader(map[string]string{"basic.lua": basicModule})
	s := memstore.New()
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, exec: New(rt, loader, opts...), rt: rt}
}

func request(path string, args ...value.Value) udf.MutationRequest {
	return udf.MutationRequest{
		Path:       udf.MustParsePath(path),
		Args:       value.Array(args),
		Identity:   udf.System(),
		Visibility: udf.PublicOnly,
		Caller:     udf.CallerTest,
		Context:    udf.NewRequestContext(),
	}
}

func (f *fixture) run(t *testing.T, req udf.MutationRequest, seed runtime.Seed) *Outcome {
	t.Helper()
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	out, err := f.exec.Run(context.Background(), AttemptInput{Request: req, Snapshot: snap, Seed: seed, Number: 1})
	require.NoError(t, err)
	return out
}

func (f *fixture) commit(t *testing.T, out *Outcome) storage.Version {
	t.Helper()
	v, err := f.store.Commit(context.Background(), out.CommitRequest())
	require.NoError(t, err)
	return v
}

func TestExecutor_InsertObject(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:insertObject", value.Object{"an": value.String("object")}), runtime.Seed{})
	require.Nil(t, out.FunctionError)

	doc, ok := out.Value.(value.Object)
	require.True(t, ok, "got %v", out.Value)
	assert.Equal(t, value.String("object"), doc["an"])
	id := string(doc[FieldID].(value.String))
	assert.True(t, strings.HasPrefix(id, "objects|"), id)
	assert.Equal(t, value.Int(runtime.DefaultTestEpoch.UnixMilli()), doc[FieldCreationTime])

	// Creating the table reads the registry row and the whole registry.
	assert.Equal(t, []storage.PointRead{{Key: storage.TableKey("objects"), Version: 0}}, out.ReadSet.Points())
	assert.Equal(t, []storage.Range{storage.TableRange(storage.TablesTable)}, out.ReadSet.Ranges())

	writes := out.WriteSet.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, storage.TableKey("objects"), writes[0].Key)
	assert.Equal(t, value.Int(1), writes[0].Value["number"])
	assert.Equal(t, storage.Key{Table: "objects", ID: id}, writes[1].Key)
}

func TestExecutor_ExistingTableIsPointRead(t *testing.T) {
	f := newFixture(t)
	f.commit(t, f.run(t, request("basic:insertObject", value.Object{}), runtime.Seed{1}))

	out := f.run(t, request("basic:insertObject", value.Object{}), runtime.Seed{2})
	require.Nil(t, out.FunctionError)
	require.Len(t, out.ReadSet.Points(), 1)
	assert.Equal(t, storage.TableKey("objects"), out.ReadSet.Points()[0].Key)
	assert.NotZero(t, out.ReadSet.Points()[0].Version)
	assert.Empty(t, out.ReadSet.Ranges())
	assert.Equal(t, 1, out.WriteSet.Len())
}

func TestExecutor_InsertAndCountReadsTable(t *testing.T) {
	f := newFixture(t)
	f.commit(t, f.run(t, request("basic:insertAndCount", value.Object{}), runtime.Seed{1}))

	out := f.run(t, request("basic:insertAndCount", value.Object{}), runtime.Seed{2})
	assert.Equal(t, value.Int(2), out.Value)
	assert.Contains(t, out.ReadSet.Ranges(), storage.TableRange("objects"))
}

func TestExecutor_SameSeedSameAttempt(t *testing.T) {
	f := newFixture(t)
	req := request("basic:insertObject", value.Object{"an": value.String("object")})

	a := f.run(t, req, runtime.Seed{7})
	b := f.run(t, req, runtime.Seed{7})
	c := f.run(t, req, runtime.Seed{8})

	assert.Equal(t, a.Value, b.Value)
	assert.Equal(t, a.Trace, b.Trace)
	assert.Equal(t, a.WriteSet.Writes(), b.WriteSet.Writes())
	assert.NotEqual(t, a.Value, c.Value)
	assert.Equal(t, a.Trace, c.Trace)
}

func TestExecutor_DocumentLifecycle(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:lifecycle"), runtime.Seed{})
	require.Nil(t, out.FunctionError)
	assert.Equal(t, value.Object{
		"patched":  value.Int(37),
		"replaced": value.String("grace"),
		"gone":     value.Bool(true),
		"created":  value.Int(runtime.DefaultTestEpoch.UnixMilli()),
	}, out.Value)

	// The document was created and deleted in the same attempt: only the
	// table registration and a tombstone remain.
	writes := out.WriteSet.Writes()
	require.Len(t, writes, 2)
	assert.True(t, writes[1].IsDelete())
}

func TestExecutor_QuerySeesCommittedAndOwnWrites(t *testing.T) {
	f := newFixture(t)
	f.commit(t, f.run(t, request("basic:insertObject", value.Object{"an": value.String("first")}), runtime.Seed{1}))

	out := f.run(t, request("basic:listAll"), runtime.Seed{2})
	assert.Equal(t, value.Array{value.String("first")}, out.Value)
	assert.True(t, out.WriteSet.IsEmpty())
}

func TestExecutor_FunctionErrorIsOutcome(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:fail"), runtime.Seed{})
	require.NotNil(t, out.FunctionError)
	assert.Contains(t, out.FunctionError.Message, "nope")
	assert.Nil(t, out.Value)
}

func TestExecutor_MalformedArgumentsAreCatchable(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:badArgs"), runtime.Seed{})
	require.Nil(t, out.FunctionError)
	assert.Equal(t, value.Array{value.Bool(false), value.Bool(false), value.Bool(false), value.Bool(false)}, out.Value)
}

func TestExecutor_UnknownSyscallIsFatal(t *testing.T) {
	f := newFixture(t)
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)

	_, err = f.exec.Run(context.Background(), AttemptInput{Request: request("basic:unknownSyscall"), Snapshot: snap})
	require.Error(t, err)
	assert.True(t, isolate.IsContractViolation(err))
}

func TestExecutor_UserIdentity(t *testing.T) {
	f := newFixture(t)

	out := f.run(t, request("basic:whoami"), runtime.Seed{})
	assert.Equal(t, value.Null{}, out.Value)

	req := request("basic:whoami")
	req.Identity = udf.User("user-1", "https://issuer.example")
	out = f.run(t, req, runtime.Seed{})
	assert.Equal(t, value.String("user-1"), out.Value.(value.Object)["subject"])
}

func TestExecutor_EnvVarsAndLogLines(t *testing.T) {
	f := newFixture(t, WithEnvVars(map[string]string{"REGION": "eu"}))
	out := f.run(t, request("basic:envAndLogs"), runtime.Seed{})
	assert.Equal(t, value.Bool(true), out.Value)

	require.Len(t, out.LogLines, 1)
	assert.Equal(t, udf.LogLog, out.LogLines[0].Level)
	assert.Equal(t, []string{"region", "eu"}, out.LogLines[0].Messages)
}

func TestExecutor_TableMapping(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:tables"), runtime.Seed{})
	assert.Equal(t, value.Object{"a": value.Int(1), "b": value.Int(2)}, out.Value)
}

func TestExecutor_AsyncSyscalls(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, request("basic:asyncInsert"), runtime.Seed{})
	require.Nil(t, out.FunctionError, "%v", out.FunctionError)

	obj := out.Value.(value.Object)
	assert.Equal(t, value.Bool(false), obj["ok"])
	assert.True(t, strings.HasPrefix(string(obj["id"].(value.String)), "objects|"))
}

func TestExecutor_ManifestChecks(t *testing.T) {
	manifest, err := modules.ParseManifest([]byte(`
functions: {
	"basic:insertObject": visibility: "internal"
	"basic:listAll": kind: "query"
}
`), modules.ManifestFile)
	require.NoError(t, err)
	f := newFixture(t, WithManifest(manifest))

	out := f.run(t, request("basic:insertObject", value.Object{}), runtime.Seed{})
	require.NotNil(t, out.FunctionError)
	assert.Contains(t, out.FunctionError.Message, "could not find public function")
	assert.Empty(t, out.Trace)

	req := request("basic:insertObject", value.Object{})
	req.Visibility = udf.AllVisibility
	out = f.run(t, req, runtime.Seed{})
	assert.Nil(t, out.FunctionError)

	out = f.run(t, request("basic:listAll"), runtime.Seed{})
	require.NotNil(t, out.FunctionError)
	assert.Contains(t, out.FunctionError.Message, "as a mutation")
}

func TestExecutor_Interceptor(t *testing.T) {
	f := newFixture(t, WithInterceptor(func(ctx context.Context, req isolate.Request) (isolate.Response, bool, error) {
		if s, ok := req.(isolate.Syscall); ok && s.Name == isolate.SyscallGetUserIdentity {
			return isolate.Response{Value: value.String("stub")}, true, nil
		}
		return isolate.Response{}, false, nil
	}))
	out := f.run(t, request("basic:whoami"), runtime.Seed{})
	assert.Equal(t, value.String("stub"), out.Value)
}
