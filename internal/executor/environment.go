package executor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// MutationEnvironment answers the capabilities of one mutation attempt
// against one Snapshot. Reads and writes go through a storage.Transaction,
// so the environment ends the attempt holding its read and write sets.
//
// Everything nondeterministic is derived from the attempt seed and the
// logical clock: re-running an attempt with the same seed, snapshot and
// arguments issues the same capability requests and produces the same
// writes.
type MutationEnvironment struct {
	tx       *storage.Transaction
	identity udf.Identity
	loader   modules.Loader
	logger   *slog.Logger
	envVars  map[string]string

	src   *rand.ChaCha8
	rng   *rand.Rand
	clock *isolate.LogicalClock
	sched *isolate.Scheduler

	userTimeout   time.Duration
	systemTimeout time.Duration

	mu       sync.Mutex
	logLines []udf.LogLine
}

var _ isolate.Environment = (*MutationEnvironment)(nil)

type environmentConfig struct {
	rt            runtime.Runtime
	snapshot      storage.Snapshot
	seed          runtime.Seed
	identity      udf.Identity
	loader        modules.Loader
	logger        *slog.Logger
	envVars       map[string]string
	userTimeout   time.Duration
	systemTimeout time.Duration
}

func newMutationEnvironment(cfg environmentConfig) *MutationEnvironment {
	src := rand.NewChaCha8(cfg.seed)
	clock := isolate.NewLogicalClock(runtime.UnixMillis(cfg.rt))
	return &MutationEnvironment{
		tx:            storage.NewTransaction(cfg.snapshot),
		identity:      cfg.identity,
		loader:        cfg.loader,
		logger:        cfg.logger,
		envVars:       cfg.envVars,
		src:           src,
		rng:           rand.New(src),
		clock:         clock,
		sched:         isolate.NewScheduler(cfg.rt, clock),
		userTimeout:   cfg.userTimeout,
		systemTimeout: cfg.systemTimeout,
	}
}

// Transaction returns the attempt's transaction.
func (e *MutationEnvironment) Transaction() *storage.Transaction {
	return e.tx
}

// LogLines returns the lines the function logged so far.
func (e *MutationEnvironment) LogLines() []udf.LogLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]udf.LogLine(nil), e.logLines...)
}

// Close cancels any async operations still pending.
func (e *MutationEnvironment) Close() {
	e.sched.Close()
}

func (e *MutationEnvironment) LookupSource(ctx context.Context, path string) (*modules.Source, error) {
	return e.loader.Resolve(ctx, path)
}

// StartAsyncSyscall runs the syscall right away and queues its result. A
// function error becomes the completion's error, raised where the function
// awaits it; anything else is fatal now.
func (e *MutationEnvironment) StartAsyncSyscall(ctx context.Context, id isolate.OpID, name string, args value.Value) error {
	result, err := e.Syscall(ctx, name, args)
	if err != nil && !isolate.IsFunctionError(err) {
		return err
	}
	return e.sched.Ready(id, result, err)
}

func (e *MutationEnvironment) StartAsyncOp(ctx context.Context, id isolate.OpID, op isolate.AsyncOpRequest) error {
	switch o := op.(type) {
	case isolate.SleepOp:
		return e.sched.StartSleep(id, o.Until)
	default:
		e.logger.Warn("dropping unsupported async op",
			"kind", op.Kind(),
			"op", uint64(id),
		)
		return nil
	}
}

func (e *MutationEnvironment) Trace(level udf.LogLevel, messages []string) error {
	line := udf.LogLine{
		Level:     level,
		Messages:  append([]string(nil), messages...),
		Timestamp: e.clock.Now(),
	}
	e.mu.Lock()
	e.logLines = append(e.logLines, line)
	e.mu.Unlock()

	e.logger.Log(context.Background(), level.SlogLevel(), "function log",
		"level", string(level),
		"messages", line.Messages,
	)
	return nil
}

func (e *MutationEnvironment) Rng() (*rand.Rand, error) {
	return e.rng, nil
}

func (e *MutationEnvironment) UnixTimestamp() (int64, error) {
	return e.clock.Now(), nil
}

func (e *MutationEnvironment) GetEnvironmentVariable(name string) (string, bool, error) {
	v, ok := e.envVars[name]
	return v, ok, nil
}

// GetTableMapping reads the table registry. The whole registry is recorded
// as read.
func (e *MutationEnvironment) GetTableMapping(ctx context.Context) (map[string]int, error) {
	rows, err := e.tx.Scan(ctx, storage.TableRange(storage.TablesTable))
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]int, len(rows))
	for _, row := range rows {
		name, _ := row.Get("name").(value.String)
		number, _ := row.Get("number").(value.Int)
		mapping[string(name)] = int(number)
	}
	return mapping, nil
}

func (e *MutationEnvironment) NextCompletion(ctx context.Context) (isolate.Completion, error) {
	return e.sched.Next(ctx)
}

func (e *MutationEnvironment) UserTimeout() time.Duration {
	return e.userTimeout
}

func (e *MutationEnvironment) SystemTimeout() time.Duration {
	return e.systemTimeout
}
