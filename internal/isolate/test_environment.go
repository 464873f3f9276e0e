package isolate

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// TestModulePath is the module a TestEnvironment serves by default.
const TestModulePath = "test.lua"

// TestEnvironmentTimeout is the budget of a TestEnvironment unless changed
// with SetTimeouts.
const TestEnvironmentTimeout = 24 * time.Hour

// TestEnvironment is a minimal Environment for exercising the isolate
// without storage.
//
// The generator is seeded with zeros, only TestModulePath (plus modules
// added with AddModule) resolves, and every syscall is a contract
// violation. Async syscalls are accepted and never complete; sleeps run on
// the scheduler; other async ops are logged and dropped.
type TestEnvironment struct {
	logger *slog.Logger
	rng    *rand.Rand
	clock  *LogicalClock
	sched  *Scheduler

	mu            sync.Mutex
	sources       map[string]string
	logLines      []udf.LogLine
	userTimeout   time.Duration
	systemTimeout time.Duration
}

var _ Environment = (*TestEnvironment)(nil)

// NewTestEnvironment returns an environment serving source as TestModulePath.
func NewTestEnvironment(rt runtime.Runtime, source string, logger *slog.Logger) *TestEnvironment {
	if logger == nil {
		logger = slog.Default()
	}
	clock := NewLogicalClock(runtime.UnixMillis(rt))
	return &TestEnvironment{
		logger:        logger,
		rng:           NewRng([32]byte{}),
		clock:         clock,
		sched:         NewScheduler(rt, clock),
		sources:       map[string]string{TestModulePath: source},
		userTimeout:   TestEnvironmentTimeout,
		systemTimeout: TestEnvironmentTimeout,
	}
}

// AddModule makes an extra module resolvable, e.g. for require.
func (e *TestEnvironment) AddModule(path, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[path] = source
}

// SetTimeouts replaces the user and system budgets.
func (e *TestEnvironment) SetTimeouts(user, system time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userTimeout = user
	e.systemTimeout = system
}

// LogLines returns the lines traced so far.
func (e *TestEnvironment) LogLines() []udf.LogLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]udf.LogLine(nil), e.logLines...)
}

// Close cancels pending timers.
func (e *TestEnvironment) Close() {
	e.sched.Close()
}

func (e *TestEnvironment) LookupSource(ctx context.Context, path string) (*modules.Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	text, ok := e.sources[path]
	if !ok {
		return nil, nil
	}
	return &modules.Source{Path: path, Text: text}, nil
}

func (e *TestEnvironment) Syscall(ctx context.Context, name string, args value.Value) (value.Value, error) {
	return nil, NewContractViolation("syscall %s is not implemented in the test environment", name)
}

func (e *TestEnvironment) StartAsyncSyscall(ctx context.Context, id OpID, name string, args value.Value) error {
	e.logger.Debug("ignoring async syscall", "name", name, "op", id)
	return nil
}

func (e *TestEnvironment) StartAsyncOp(ctx context.Context, id OpID, op AsyncOpRequest) error {
	switch o := op.(type) {
	case SleepOp:
		return e.sched.StartSleep(id, o.Until)
	default:
		e.logger.Warn("dropping unsupported async op", "kind", op.Kind(), "op", id)
		return nil
	}
}

func (e *TestEnvironment) Trace(level udf.LogLevel, messages []string) error {
	e.mu.Lock()
	e.logLines = append(e.logLines, udf.LogLine{
		Level:     level,
		Messages:  append([]string(nil), messages...),
		Timestamp: e.clock.Now(),
	})
	e.mu.Unlock()
	e.logger.Log(context.Background(), level.SlogLevel(), "function log", "level", string(level), "messages", messages)
	return nil
}

func (e *TestEnvironment) Rng() (*rand.Rand, error) {
	return e.rng, nil
}

func (e *TestEnvironment) UnixTimestamp() (int64, error) {
	return e.clock.Now(), nil
}

func (e *TestEnvironment) GetEnvironmentVariable(name string) (string, bool, error) {
	return "", false, nil
}

func (e *TestEnvironment) GetTableMapping(ctx context.Context) (map[string]int, error) {
	return nil, NewContractViolation("table mapping is not implemented in the test environment")
}

func (e *TestEnvironment) NextCompletion(ctx context.Context) (Completion, error) {
	return e.sched.Next(ctx)
}

func (e *TestEnvironment) UserTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userTimeout
}

func (e *TestEnvironment) SystemTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemTimeout
}
