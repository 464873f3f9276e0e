// Package application wires the mutation core into one value: a store, a
// module loader, the executor and the OCC engine behind MutationUDF.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/udfcore/internal/application/testmodules"
	"github.com/roach88/udfcore/internal/config"
	"github.com/roach88/udfcore/internal/executor"
	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/metrics"
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/occ"
	"github.com/roach88/udfcore/internal/pause"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/storage/memstore"
	"github.com/roach88/udfcore/internal/storage/sqlitestore"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// Application executes mutations against one store.
type Application struct {
	store   storage.Store
	engine  *occ.Engine
	metrics *metrics.Metrics
	rt      runtime.Runtime
	logger  *slog.Logger
}

// Deps are the collaborators of an Application. Nil fields get defaults:
// an in-memory store, the production runtime, an empty manifest, fresh
// metrics and slog.Default. Zero timeouts keep the executor defaults.
type Deps struct {
	Store         storage.Store
	Loader        modules.Loader
	Manifest      *modules.Manifest
	Runtime       runtime.Runtime
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	MaxRetries    int
	UserTimeout   time.Duration
	SystemTimeout time.Duration
	EnvVars       map[string]string
	Interceptor   isolate.Interceptor
}

// Assemble builds an Application from explicit collaborators. Loader is
// required.
func Assemble(d Deps) (*Application, error) {
	if d.Loader == nil {
		return nil, fmt.Errorf("application: a module loader is required")
	}
	if d.Store == nil {
		d.Store = memstore.New()
	}
	if d.Runtime == nil {
		d.Runtime = runtime.NewProd()
	}
	if d.Manifest == nil {
		d.Manifest = modules.EmptyManifest()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.UserTimeout == 0 {
		d.UserTimeout = executor.DefaultUserTimeout
	}
	if d.SystemTimeout == 0 {
		d.SystemTimeout = executor.DefaultSystemTimeout
	}

	execOpts := []executor.Option{
		executor.WithManifest(d.Manifest),
		executor.WithLogger(d.Logger),
		executor.WithEnvVars(d.EnvVars),
		executor.WithTimeouts(d.UserTimeout, d.SystemTimeout),
	}
	if d.Interceptor != nil {
		execOpts = append(execOpts, executor.WithInterceptor(d.Interceptor))
	}
	exec := executor.New(d.Runtime, d.Loader, execOpts...)
	engine := occ.New(d.Store, exec, d.Runtime,
		occ.WithMaxRetries(d.MaxRetries),
		occ.WithMetrics(d.Metrics),
		occ.WithLogger(d.Logger),
	)
	return &Application{
		store:   d.Store,
		engine:  engine,
		metrics: d.Metrics,
		rt:      d.Runtime,
		logger:  d.Logger,
	}, nil
}

// New builds the production Application described by cfg: the configured
// store, modules from cfg.ModulesDir and their functions.cue manifest.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loader, err := modules.NewDirLoader(cfg.ModulesDir)
	if err != nil {
		return nil, err
	}
	manifest, err := modules.LoadManifest(loader.FS())
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("application ready",
		"database", cfg.Database,
		"modules_dir", cfg.ModulesDir,
		"functions", manifest.Len(),
		"occ_max_retries", cfg.OCCMaxRetries,
	)
	return Assemble(Deps{
		Store:         store,
		Loader:        loader,
		Manifest:      manifest,
		Runtime:       runtime.NewProd(),
		Logger:        logger,
		MaxRetries:    cfg.OCCMaxRetries,
		UserTimeout:   cfg.UserTimeout,
		SystemTimeout: cfg.SystemTimeout,
		EnvVars:       cfg.EnvVars,
	})
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.InMemory() {
		return memstore.New(), nil
	}
	s, err := sqlitestore.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database, err)
	}
	return s, nil
}

// NewForTests returns an Application over a fresh in-memory store, the
// deterministic test runtime and the embedded test modules, with the
// process-wide retry budget.
func NewForTests() (*Application, error) {
	manifest, err := modules.LoadManifest(testmodules.FS)
	if err != nil {
		return nil, err
	}
	return Assemble(Deps{
		Loader:     modules.NewFSLoader(testmodules.FS),
		Manifest:   manifest,
		Runtime:    runtime.NewTestRuntime(),
		MaxRetries: config.OCCMaxRetries(),
	})
}

// MutationUDF runs the mutation at path with args to completion.
//
// Callers attribute the mutation to a scheduled job through
// rc.WithParentJob. The pause client is consulted at the start of every
// attempt; production callers pass pause.NoopClient().
//
// On a function error the returned result carries the function's log
// lines and the error is an *isolate.Error; when every attempt conflicted
// the error satisfies occ.IsOCC.
func (a *Application) MutationUDF(
	ctx context.Context,
	path udf.FunctionPath,
	args value.Array,
	identity udf.Identity,
	visibility udf.AllowedVisibility,
	caller udf.FunctionCaller,
	pc pause.Client,
	rc udf.RequestContext,
) (*udf.FunctionResult, error) {
	req := udf.MutationRequest{
		Path:       path,
		Args:       args,
		Identity:   identity,
		Visibility: visibility,
		Caller:     caller,
		Context:    rc,
	}
	a.logger.Debug("mutation received", "path", path.String(), "caller", caller, "request_id", rc.RequestID)
	return a.engine.Execute(ctx, req, pc)
}

// Run is MutationUDF with the full per-attempt record.
func (a *Application) Run(ctx context.Context, req udf.MutationRequest, pc pause.Client) (*occ.Execution, error) {
	return a.engine.Run(ctx, req, pc)
}

// MaxRetries returns the retry budget of the engine.
func (a *Application) MaxRetries() int {
	return a.engine.MaxRetries()
}

// Metrics returns the application's metrics.
func (a *Application) Metrics() *metrics.Metrics {
	return a.metrics
}

// Store returns the backing store.
func (a *Application) Store() storage.Store {
	return a.store
}

// Close releases the store.
func (a *Application) Close() error {
	return a.store.Close()
}
