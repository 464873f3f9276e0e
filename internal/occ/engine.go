package occ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/udfcore/internal/executor"
	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/metrics"
	"github.com/roach88/udfcore/internal/pause"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/udf"
)

// PauseRetryLoopStart is reached once per attempt, after the attempt's
// snapshot is pinned and before the function runs.
const PauseRetryLoopStart = "retry_mutation_loop_start"

// DefaultMaxRetries is the retry budget when none is configured.
const DefaultMaxRetries = 4

// AttemptRecord describes one finished attempt.
type AttemptRecord struct {
	Number    int
	StartedAt int64 // unix ms
	Seed      runtime.Seed
	Base      storage.Version
	ReadSet   storage.ReadSet
	WriteSet  *storage.WriteSet
	Outcome   AttemptOutcome
	Trace     []isolate.TraceEntry
	Duration  time.Duration
}

// Execution is the full record of one mutation.
type Execution struct {
	// Result is set when the mutation committed, and also on a function
	// error, where it carries the log lines but no value.
	Result   *udf.FunctionResult
	Attempts []AttemptRecord
}

// Final returns the last attempt, or nil if none ran.
func (ex *Execution) Final() *AttemptRecord {
	if ex == nil || len(ex.Attempts) == 0 {
		return nil
	}
	return &ex.Attempts[len(ex.Attempts)-1]
}

// Engine runs mutations under OCC against a Store.
//
// Thread-safety: Execute may be called from any number of goroutines. All
// coordination between concurrent mutations happens in Store.Commit.
type Engine struct {
	store      storage.Store
	exec       *executor.Executor
	rt         runtime.Runtime
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxRetries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets how many times a conflicting mutation is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithMetrics records attempts and outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine committing to store and running attempts on exec.
func New(store storage.Store, exec *executor.Executor, rt runtime.Runtime, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		exec:       exec,
		rt:         rt,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the configured retry budget.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Execute runs req to completion and returns the committed result.
//
// On a function error the error is an *isolate.Error of code
// FUNCTION_ERROR and the result is still returned so callers can surface
// the function's log lines. When every attempt conflicted the error is an
// *ExhaustedError.
func (e *Engine) Execute(ctx context.Context, req udf.MutationRequest, pc pause.Client) (*udf.FunctionResult, error) {
	ex, err := e.Run(ctx, req, pc)
	if ex == nil {
		return nil, err
	}
	return ex.Result, err
}

// Run is Execute that also returns the record of every attempt.
func (e *Engine) Run(ctx context.Context, req udf.MutationRequest, pc pause.Client) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := e.logger.With(
		"path", req.Path.String(),
		"request_id", req.Context.RequestID,
	)
	if req.Context.ParentScheduledJob != "" {
		logger = logger.With("parent_job", req.Context.ParentScheduledJob)
	}

	ex := &Execution{}
	budget := NewRetryBudget(e.maxRetries)
	for {
		rec, result, err := e.attempt(ctx, logger, req, pc, budget)
		if rec != nil {
			ex.Attempts = append(ex.Attempts, *rec)
		}

		var conflict *storage.ConflictError
		switch {
		case err == nil:
			ex.Result = result
			e.finish(logger, StateSucceeded, metrics.OutcomeSuccess, budget)
			return ex, nil

		case errors.As(err, &conflict):
			e.metrics.Conflict()
			logger.Debug("occ conflict",
				"state", StateConflicted,
				"attempt", budget.Attempts(),
				"base", uint64(conflict.Base),
				"key", conflict.Key.String(),
				"conflicted_at", uint64(conflict.Conflicted),
			)
			if budget.Exhausted() {
				e.finish(logger, StateExhausted, metrics.OutcomeExhausted, budget)
				return ex, &ExhaustedError{Path: req.Path, Attempts: budget.Attempts(), Last: conflict}
			}

		case isolate.IsFunctionError(err):
			ex.Result = result
			e.finish(logger, StateFailed, metrics.OutcomeFunctionError, budget)
			return ex, err

		case isolate.IsTimeout(err):
			e.finish(logger, StateFailed, metrics.OutcomeTimeout, budget)
			return ex, err

		default:
			e.finish(logger, StateFailed, metrics.OutcomeFailed, budget)
			return ex, err
		}
	}
}

func (e *Engine) finish(logger *slog.Logger, state State, outcome string, budget *RetryBudget) {
	e.metrics.Finished(outcome)
	level := slog.LevelDebug
	if state == StateExhausted {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "mutation finished",
		"state", state,
		"attempts", budget.Attempts(),
		"max_attempts", budget.MaxAttempts(),
	)
}

// attempt runs one pass of the state machine from Sampling to the end of
// Committing. A conflict is reported as the *storage.ConflictError from
// Commit; the caller decides whether to loop.
func (e *Engine) attempt(ctx context.Context, logger *slog.Logger, req udf.MutationRequest, pc pause.Client, budget *RetryBudget) (*AttemptRecord, *udf.FunctionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("mutation cancelled: %w", err)
	}

	// Sampling
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sample snapshot: %w", err)
	}
	if err := pc.Wait(ctx, PauseRetryLoopStart); err != nil {
		return nil, nil, fmt.Errorf("pause %s: %w", PauseRetryLoopStart, err)
	}

	// Executing
	number := budget.Begin()
	seed, err := e.rt.NewSeed()
	if err != nil {
		return nil, nil, fmt.Errorf("attempt seed: %w", err)
	}
	rec := &AttemptRecord{
		Number:    number,
		StartedAt: runtime.UnixMillis(e.rt),
		Seed:      seed,
		Base:      snap.Version(),
	}
	logger.Debug("occ transition", "state", StateExecuting, "attempt", number, "base", uint64(rec.Base))

	out, err := e.exec.Run(ctx, executor.AttemptInput{
		Request:  req,
		Snapshot: snap,
		Seed:     seed,
		Number:   number,
	})
	if out != nil {
		rec.ReadSet = out.ReadSet
		rec.WriteSet = out.WriteSet
		rec.Trace = out.Trace
		rec.Duration = out.Duration
		e.metrics.Attempt(out.Duration)
	}
	if err != nil {
		rec.Outcome = OutcomeFailed
		if isolate.IsTimeout(err) {
			rec.Outcome = OutcomeTimedOut
		}
		return rec, nil, err
	}
	result := &udf.FunctionResult{
		LogLines:  out.LogLines,
		Attempts:  number,
		RequestID: req.Context.RequestID,
	}
	if out.FunctionError != nil {
		rec.Outcome = OutcomeFunctionFailed
		return rec, result, out.FunctionError
	}

	// Committing. Read-only attempts are validated too, so a result is
	// never returned from a snapshot that a later commit invalidated.
	logger.Debug("occ transition", "state", StateCommitting, "attempt", number,
		"reads", out.ReadSet.Len(),
		"writes", out.WriteSet.Len(),
	)
	version, err := e.store.Commit(ctx, out.CommitRequest())
	if err != nil {
		if storage.IsConflict(err) {
			rec.Outcome = OutcomeConflicted
			return rec, nil, err
		}
		rec.Outcome = OutcomeFailed
		return rec, nil, fmt.Errorf("commit attempt %d: %w", number, err)
	}

	rec.Outcome = OutcomeSucceeded
	result.Value = out.Value
	result.CommitVersion = uint64(version)
	return rec, result, nil
}
