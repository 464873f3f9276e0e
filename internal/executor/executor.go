package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// Default budgets of one attempt.
const (
	DefaultUserTimeout   = time.Second
	DefaultSystemTimeout = 15 * time.Second
)

// AttemptInput is everything one attempt depends on. Two attempts with equal
// inputs behave identically.
type AttemptInput struct {
	Request  udf.MutationRequest
	Snapshot storage.Snapshot
	Seed     runtime.Seed
	Number   int
}

// Outcome is the result of one attempt.
//
// Exactly one of Value and FunctionError is set. FunctionError is the
// function's own failure (a thrown error, a bad argument to a host call);
// it is part of the attempt's result, not a failure of the executor.
type Outcome struct {
	Value         value.Value
	FunctionError *isolate.Error

	Base     storage.Version
	ReadSet  storage.ReadSet
	WriteSet *storage.WriteSet
	LogLines []udf.LogLine
	Trace    []isolate.TraceEntry
	Duration time.Duration
}

// CommitRequest returns the commit for this outcome's writes.
func (o *Outcome) CommitRequest() storage.CommitRequest {
	return storage.CommitRequest{Base: o.Base, Reads: o.ReadSet, Writes: o.WriteSet}
}

// Executor runs single mutation attempts.
type Executor struct {
	rt            runtime.Runtime
	loader        modules.Loader
	manifest      *modules.Manifest
	runner        *isolate.Runner
	logger        *slog.Logger
	envVars       map[string]string
	userTimeout   time.Duration
	systemTimeout time.Duration
	interceptor   isolate.Interceptor
}

// Option configures an Executor.
type Option func(*Executor)

// WithManifest sets the function manifest used for visibility and kind
// checks. Without one every function is a public mutation.
func WithManifest(m *modules.Manifest) Option {
	return func(e *Executor) { e.manifest = m }
}

// WithLogger sets the logger function log lines are relayed to.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithEnvVars sets the environment variables visible to functions.
func WithEnvVars(vars map[string]string) Option {
	return func(e *Executor) { e.envVars = vars }
}

// WithTimeouts sets the user and system budgets of an attempt.
func WithTimeouts(user, system time.Duration) Option {
	return func(e *Executor) {
		e.userTimeout = user
		e.systemTimeout = system
	}
}

// WithInterceptor installs a capability interceptor on every attempt.
func WithInterceptor(fn isolate.Interceptor) Option {
	return func(e *Executor) { e.interceptor = fn }
}

// New returns an executor loading modules through loader.
func New(rt runtime.Runtime, loader modules.Loader, opts ...Option) *Executor {
	e := &Executor{
		rt:            rt,
		loader:        loader,
		logger:        slog.Default(),
		userTimeout:   DefaultUserTimeout,
		systemTimeout: DefaultSystemTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runner = isolate.NewRunner(rt, e.logger)
	return e
}

// Run executes one attempt against in.Snapshot. The returned error covers
// everything that is not the function's own failure: timeouts, contract
// violations, internal and storage errors. None of them are retried.
func (e *Executor) Run(ctx context.Context, in AttemptInput) (*Outcome, error) {
	req := in.Request
	start := e.rt.Now()
	logger := e.logger.With(
		"path", req.Path.String(),
		"request_id", req.Context.RequestID,
		"attempt", in.Number,
	)

	out := &Outcome{Base: in.Snapshot.Version()}
	if ferr := e.checkManifest(req); ferr != nil {
		out.FunctionError = ferr
		out.ReadSet = storage.ReadSet{}
		out.WriteSet = storage.NewWriteSet()
		return out, nil
	}

	env := newMutationEnvironment(environmentConfig{
		rt:            e.rt,
		snapshot:      in.Snapshot,
		seed:          in.Seed,
		identity:      req.Identity,
		loader:        e.loader,
		logger:        logger,
		envVars:       e.envVars,
		userTimeout:   e.userTimeout,
		systemTimeout: e.systemTimeout,
	})
	defer env.Close()

	var hostOpts []isolate.HostOption
	if e.interceptor != nil {
		hostOpts = append(hostOpts, isolate.WithInterceptor(e.interceptor))
	}
	res, err := e.runner.Run(ctx, env, req.Path, req.Args, hostOpts...)

	out.ReadSet = env.Transaction().ReadSet()
	out.WriteSet = env.Transaction().WriteSet()
	out.LogLines = env.LogLines()
	out.Trace = res.Trace
	out.Duration = e.rt.Now().Sub(start)

	if err != nil {
		var ie *isolate.Error
		if errors.As(err, &ie) && ie.Code == isolate.ErrCodeFunction {
			logger.Debug("function error", "error", ie.Message)
			out.FunctionError = ie
			return out, nil
		}
		return out, fmt.Errorf("attempt %d of %s: %w", in.Number, req.Path, err)
	}

	out.Value = res.Value
	logger.Debug("attempt executed",
		"reads", out.ReadSet.Len(),
		"writes", out.WriteSet.Len(),
		"duration", out.Duration,
	)
	return out, nil
}

func (e *Executor) checkManifest(req udf.MutationRequest) *isolate.Error {
	spec := e.manifest.Lookup(req.Path)
	if !spec.Allowed(req.Visibility) {
		return isolate.NewFunctionError("could not find public function for '%s'", req.Path)
	}
	if spec.Kind != modules.KindMutation {
		return isolate.NewFunctionError("trying to execute %s as a mutation, but it is defined as a %s", req.Path, spec.Kind)
	}
	return nil
}
