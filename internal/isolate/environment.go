package isolate

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// Environment provides the host side of every capability for one attempt.
//
// An Environment is created fresh per attempt and is used from the
// attempt's single execution goroutine. Implementations must not share
// RNG, clock or pending-op state between attempts.
type Environment interface {
	// LookupSource resolves a module path, returning nil if not found.
	LookupSource(ctx context.Context, path string) (*modules.Source, error)

	// Syscall answers a synchronous host call. Errors of code
	// ErrCodeFunction are raised inside the function; any other error is
	// fatal to the attempt.
	Syscall(ctx context.Context, name string, args value.Value) (value.Value, error)

	// StartAsyncSyscall begins an async host call whose completion is
	// delivered under id through NextCompletion.
	StartAsyncSyscall(ctx context.Context, id OpID, name string, args value.Value) error

	// StartAsyncOp begins an async operation under id. Unimplemented op
	// kinds are logged and dropped: no completion is ever delivered.
	StartAsyncOp(ctx context.Context, id OpID, op AsyncOpRequest) error

	// Trace relays function log lines, unaltered.
	Trace(level udf.LogLevel, messages []string) error

	// Rng returns the attempt's seeded generator.
	Rng() (*rand.Rand, error)

	// UnixTimestamp returns the logical clock in unix milliseconds.
	UnixTimestamp() (int64, error)

	// GetEnvironmentVariable returns the value of name, or false if unset.
	GetEnvironmentVariable(name string) (string, bool, error)

	// GetTableMapping returns table name to table number for user tables.
	GetTableMapping(ctx context.Context) (map[string]int, error)

	// NextCompletion blocks for the next completed async operation, in
	// completion order. With nothing pending it blocks until ctx is done.
	NextCompletion(ctx context.Context) (Completion, error)

	// UserTimeout is the budget for user code wall-clock time.
	UserTimeout() time.Duration

	// SystemTimeout is the budget for time spent inside the host.
	SystemTimeout() time.Duration
}

// NewRng returns a ChaCha8 generator for a 32-byte seed.
func NewRng(seed [32]byte) *rand.Rand {
	return rand.New(rand.NewChaCha8(seed))
}
