package isolate

import (
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// OpID identifies one pending async operation within an attempt.
type OpID uint64

// Request is a capability request from running function code to the host.
//
// The set of variants is closed: LookupSource, Syscall, AsyncSyscall,
// AsyncOp, Trace, Random, Now, EnvVar and TableMapping. Every host
// interaction of an attempt is one of these, handled by Host.Handle.
type Request interface {
	// Capability names the variant as it appears in traces.
	Capability() string
	isRequest()
}

// LookupSource resolves a module path to its source.
type LookupSource struct {
	Path string
}

// Syscall is a synchronous, JSON-in/JSON-out host call.
type Syscall struct {
	Name string
	Args value.Value
}

// AsyncSyscall is an asynchronous host call. Its result arrives later as a
// Completion for the returned OpID.
type AsyncSyscall struct {
	Name string
	Args value.Value
}

// AsyncOp issues a non-data async operation, e.g. a timer.
type AsyncOp struct {
	Op AsyncOpRequest
}

// Trace relays function log lines to the host log sink.
type Trace struct {
	Level    udf.LogLevel
	Messages []string
}

// Random draws 64 bits from the attempt's seeded generator.
type Random struct{}

// Now reads the attempt's logical clock as unix milliseconds.
type Now struct{}

// EnvVar looks up one environment variable.
type EnvVar struct {
	Name string
}

// TableMapping returns the table name to table number mapping visible to
// the function.
type TableMapping struct{}

func (LookupSource) Capability() string { return "lookup_source" }
func (Syscall) Capability() string      { return "syscall" }
func (AsyncSyscall) Capability() string { return "async_syscall" }
func (AsyncOp) Capability() string      { return "async_op" }
func (Trace) Capability() string        { return "trace" }
func (Random) Capability() string       { return "random" }
func (Now) Capability() string          { return "now" }
func (EnvVar) Capability() string       { return "env_var" }
func (TableMapping) Capability() string { return "table_mapping" }

func (LookupSource) isRequest() {}
func (Syscall) isRequest()      {}
func (AsyncSyscall) isRequest() {}
func (AsyncOp) isRequest()      {}
func (Trace) isRequest()        {}
func (Random) isRequest()       {}
func (Now) isRequest()          {}
func (EnvVar) isRequest()       {}
func (TableMapping) isRequest() {}

// Response is the answer to a Request. Only the field matching the request
// variant is set.
type Response struct {
	Source   *modules.Source // LookupSource; nil when not found
	Value    value.Value     // Syscall
	Op       OpID            // AsyncSyscall, AsyncOp
	Random   uint64          // Random
	Now      int64           // Now
	EnvValue *string         // EnvVar; nil when unset
	Tables   map[string]int  // TableMapping
}

// AsyncOpRequest is the closed set of async operations a function may issue.
type AsyncOpRequest interface {
	// Kind names the operation.
	Kind() string
	isAsyncOp()
}

// SleepOp completes once the logical clock reaches Until (unix ms).
type SleepOp struct {
	Until int64
}

// OtherOp is any async operation the host has no dedicated type for. Host
// surfaces grow over time, so environments log and drop kinds they do not
// implement instead of failing.
type OtherOp struct {
	Name string
	Args value.Value
}

func (SleepOp) Kind() string   { return "sleep" }
func (o OtherOp) Kind() string { return o.Name }

func (SleepOp) isAsyncOp() {}
func (OtherOp) isAsyncOp() {}

// Completion is a finished async operation.
type Completion struct {
	ID     OpID
	Result value.Value
	Err    error
}
