package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/udfcore/internal/application"
	"github.com/roach88/udfcore/internal/application/testmodules"
	"github.com/roach88/udfcore/internal/config"
	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/modules"
	"github.com/roach88/udfcore/internal/occ"
	"github.com/roach88/udfcore/internal/pause"
	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/storage/memstore"
	"github.com/roach88/udfcore/internal/testutil"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// Harness runs one scenario against a fresh application.
type Harness struct {
	app    *application.Application
	store  *memstore.Store
	logger *slog.Logger
	ids    *testutil.RequestIDs
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store and the deterministic
// test runtime. The returned error covers failures to run at all (bad
// modules, a failing setup call); checks that do not hold are reported in
// Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.app.Close()

	for i, inv := range scenario.Setup {
		if _, err := h.call(ctx, inv, pause.NoopClient()); err != nil {
			return nil, fmt.Errorf("setup[%d] %s: %w", i, inv.Call, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		rec, err := h.runStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Call, err)
		}
		result.Steps = append(result.Steps, *rec)
		for _, msg := range checkExpect(step.Expect, rec) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Call, msg))
		}
		h.logger.Info("flow step completed",
			"step", i,
			"path", step.Call,
			"status", rec.Status,
			"attempts", len(rec.Attempts),
		)
	}

	if err := h.countTables(ctx, scenario.Assertions, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	var loader *modules.DirLoader
	if s.Modules == "" {
		loader = modules.NewFSLoader(testmodules.FS)
	} else {
		dir := s.Modules
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.baseDir, dir)
		}
		var err error
		if loader, err = modules.NewDirLoader(dir); err != nil {
			return nil, err
		}
	}
	manifest, err := modules.LoadManifest(loader.FS())
	if err != nil {
		return nil, err
	}

	maxRetries := config.OCCMaxRetries()
	if s.MaxRetries != nil {
		maxRetries = *s.MaxRetries
	}
	// Suppress logs in tests
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	app, err := application.Assemble(application.Deps{
		Store:      store,
		Loader:     loader,
		Manifest:   manifest,
		Runtime:    runtime.NewTestRuntime(),
		Logger:     logger,
		MaxRetries: maxRetries,
		EnvVars:    s.EnvVars,
	})
	if err != nil {
		return nil, err
	}
	return &Harness{app: app, store: store, logger: logger, ids: testutil.NewRequestIDs(s.Name)}, nil
}

func (h *Harness) request(inv Invocation) (udf.MutationRequest, error) {
	path, err := udf.ParsePath(inv.Call)
	if err != nil {
		return udf.MutationRequest{}, err
	}
	args := make(value.Array, len(inv.Args))
	for i, a := range inv.Args {
		v, err := value.FromGo(a)
		if err != nil {
			return udf.MutationRequest{}, fmt.Errorf("args[%d]: %w", i, err)
		}
		args[i] = v
	}
	identity := udf.System()
	if inv.Identity != nil {
		identity = udf.User(inv.Identity.Subject, inv.Identity.Issuer)
	}
	visibility := udf.AllowedVisibility(inv.Visibility)
	if visibility == "" {
		visibility = udf.PublicOnly
	}
	return udf.MutationRequest{
		Path:       path,
		Args:       args,
		Identity:   identity,
		Visibility: visibility,
		Caller:     udf.CallerTest,
		Context:    h.ids.Next(),
	}, nil
}

func (h *Harness) call(ctx context.Context, inv Invocation, pc pause.Client) (*occ.Execution, error) {
	req, err := h.request(inv)
	if err != nil {
		return nil, err
	}
	return h.app.Run(ctx, req, pc)
}

// runStep runs one flow step. Mutation failures are recorded in the step;
// only failures of the interleaved calls are returned.
func (h *Harness) runStep(ctx context.Context, step FlowStep) (*StepRecord, error) {
	req, err := h.request(step.Invocation)
	if err != nil {
		return nil, err
	}
	if step.Pause == nil {
		ex, runErr := h.app.Run(ctx, req, pause.NoopClient())
		return record(req, ex, runErr), nil
	}

	ctrl, pc := pause.NewController(occ.PauseRetryLoopStart)
	defer ctrl.Close()
	rounds := step.Pause.Rounds
	if rounds == 0 {
		rounds = step.Pause.Hits
	}

	// running is cancelled when the paused call returns, so a call that
	// ends in fewer attempts than Hits does not leave the controller waiting.
	running, stop := context.WithCancel(ctx)
	defer stop()

	var (
		g      errgroup.Group
		ex     *occ.Execution
		runErr error
	)
	g.Go(func() error {
		defer stop()
		ex, runErr = h.app.Run(ctx, req, pc)
		return nil
	})
	g.Go(func() error {
		// Attempts beyond Hits run unpaused.
		defer ctrl.Close()
		for i := range step.Pause.Hits {
			guard, err := ctrl.WaitForBlocked(running, occ.PauseRetryLoopStart)
			if err != nil {
				if ctx.Err() == nil {
					return nil
				}
				return fmt.Errorf("pause hit %d: %w", i, err)
			}
			if i < rounds {
				for j, inv := range step.Pause.WhilePaused {
					if _, err := h.call(ctx, inv, pause.NoopClient()); err != nil {
						guard.Unpause()
						return fmt.Errorf("while_paused[%d] at hit %d: %w", j, i, err)
					}
				}
			}
			guard.Unpause()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return record(req, ex, runErr), nil
}

func record(req udf.MutationRequest, ex *occ.Execution, err error) *StepRecord {
	rec := &StepRecord{Path: req.Path.String(), RequestID: req.Context.RequestID, Status: statusOf(err)}
	if err != nil {
		var ie *isolate.Error
		if errors.As(err, &ie) {
			rec.Error = ie.Message
		} else {
			rec.Error = err.Error()
		}
	}
	if ex == nil {
		return rec
	}
	rec.Attempts = ex.Attempts
	if ex.Result != nil {
		rec.Value = ex.Result.Value
		rec.CommitVersion = ex.Result.CommitVersion
		rec.LogLines = ex.Result.LogLines
	}
	return rec
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case occ.IsOCC(err):
		return StatusOCCExhausted
	case isolate.IsFunctionError(err):
		return StatusFunctionError
	case isolate.IsTimeout(err):
		return StatusTimeout
	case isolate.IsContractViolation(err):
		return StatusContractViolation
	default:
		return StatusFailed
	}
}

// checkExpect compares a step record with its expect clause.
func checkExpect(e *ExpectClause, rec *StepRecord) []string {
	if e == nil {
		e = &ExpectClause{Status: StatusSuccess}
	}
	var errs []string
	if rec.Status != e.Status {
		msg := fmt.Sprintf("expected status %s, got %s", e.Status, rec.Status)
		if rec.Error != "" {
			msg += ": " + rec.Error
		}
		errs = append(errs, msg)
	}
	if e.Value != nil {
		want, err := value.FromGo(e.Value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("expect.value: %v", err))
		} else if !value.Equal(want, rec.Value) {
			errs = append(errs, fmt.Sprintf("expected value %s, got %s", show(want), show(rec.Value)))
		}
	}
	if e.Attempts != 0 && e.Attempts != len(rec.Attempts) {
		errs = append(errs, fmt.Sprintf("expected %d attempts, got %d", e.Attempts, len(rec.Attempts)))
	}
	if e.ErrorContains != "" && !strings.Contains(rec.Error, e.ErrorContains) {
		errs = append(errs, fmt.Sprintf("expected error containing %q, got %q", e.ErrorContains, rec.Error))
	}
	return errs
}

func show(v value.Value) string {
	if v == nil {
		return "<none>"
	}
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// countTables records the final document count of every table named by a
// final_count assertion.
func (h *Harness) countTables(ctx context.Context, assertions []Assertion, result *Result) error {
	var snap storage.Snapshot
	for _, a := range assertions {
		if a.Type != AssertFinalCount {
			continue
		}
		if _, ok := result.Counts[a.Table]; ok {
			continue
		}
		if snap == nil {
			var err error
			if snap, err = h.store.Snapshot(ctx); err != nil {
				return fmt.Errorf("final snapshot: %w", err)
			}
		}
		docs, err := snap.Scan(ctx, storage.TableRange(a.Table))
		if err != nil {
			return fmt.Errorf("count %s: %w", a.Table, err)
		}
		result.Counts[a.Table] = len(docs)
	}
	return nil
}
