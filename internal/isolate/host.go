package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TraceEntry records one capability request. Only names are recorded, never
// payloads, so traces of replayed attempts compare equal.
type TraceEntry struct {
	Capability string `json:"capability" yaml:"capability"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Interceptor may answer a request in place of the environment. It returns
// handled=false to fall through.
type Interceptor func(ctx context.Context, req Request) (resp Response, handled bool, err error)

// Host is the single mediation point between function code and its
// Environment. Every capability request goes through Handle, which accounts
// system time against the budget and appends to the audit trace.
//
// A Host belongs to one attempt.
type Host struct {
	env       Environment
	budget    *Budget
	intercept Interceptor

	mu       sync.Mutex
	trace    []TraceEntry
	nextOp   OpID
	pending  map[OpID]string
	resolved map[OpID]Completion
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithInterceptor installs a request interceptor, for tests.
func WithInterceptor(fn Interceptor) HostOption {
	return func(h *Host) { h.intercept = fn }
}

// WithBudget accounts host work against b.
func WithBudget(b *Budget) HostOption {
	return func(h *Host) { h.budget = b }
}

// NewHost returns a mediator over env.
func NewHost(env Environment, opts ...HostOption) *Host {
	h := &Host{
		env:      env,
		pending:  make(map[OpID]string),
		resolved: make(map[OpID]Completion),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Environment returns the environment the host mediates.
func (h *Host) Environment() Environment {
	return h.env
}

// Trace returns a copy of the capability trace.
func (h *Host) Trace() []TraceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TraceEntry(nil), h.trace...)
}

func (h *Host) record(capability, name string) {
	h.mu.Lock()
	h.trace = append(h.trace, TraceEntry{Capability: capability, Name: name})
	h.mu.Unlock()
}

func requestName(req Request) string {
	switch r := req.(type) {
	case LookupSource:
		return r.Path
	case Syscall:
		return r.Name
	case AsyncSyscall:
		return r.Name
	case AsyncOp:
		if r.Op == nil {
			return ""
		}
		return r.Op.Kind()
	case Trace:
		return string(r.Level)
	case EnvVar:
		return r.Name
	default:
		return ""
	}
}

// Handle answers one capability request.
func (h *Host) Handle(ctx context.Context, req Request) (Response, error) {
	if req == nil {
		return Response{}, NewContractViolation("nil capability request")
	}
	if h.budget != nil {
		h.budget.EnterSystem()
		defer h.budget.ExitSystem()
	}
	h.record(req.Capability(), requestName(req))

	if h.intercept != nil {
		resp, handled, err := h.intercept(ctx, req)
		if handled || err != nil {
			return resp, err
		}
	}
	return h.dispatch(ctx, req)
}

func (h *Host) dispatch(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case LookupSource:
		src, err := h.env.LookupSource(ctx, r.Path)
		if err != nil {
			return Response{}, fmt.Errorf("lookup source %s: %w", r.Path, err)
		}
		return Response{Source: src}, nil

	case Syscall:
		v, err := h.env.Syscall(ctx, r.Name, r.Args)
		if err != nil {
			return Response{}, err
		}
		return Response{Value: v}, nil

	case AsyncSyscall:
		id := h.allocate("async_syscall:" + r.Name)
		if err := h.env.StartAsyncSyscall(ctx, id, r.Name, r.Args); err != nil {
			h.forget(id)
			return Response{}, err
		}
		return Response{Op: id}, nil

	case AsyncOp:
		if r.Op == nil {
			return Response{}, NewContractViolation("async op without a request")
		}
		id := h.allocate(r.Op.Kind())
		if err := h.env.StartAsyncOp(ctx, id, r.Op); err != nil {
			h.forget(id)
			return Response{}, err
		}
		return Response{Op: id}, nil

	case Trace:
		return Response{}, h.env.Trace(r.Level, r.Messages)

	case Random:
		rng, err := h.env.Rng()
		if err != nil {
			return Response{}, err
		}
		return Response{Random: rng.Uint64()}, nil

	case Now:
		ts, err := h.env.UnixTimestamp()
		if err != nil {
			return Response{}, err
		}
		return Response{Now: ts}, nil

	case EnvVar:
		v, ok, err := h.env.GetEnvironmentVariable(r.Name)
		if err != nil {
			return Response{}, err
		}
		if !ok {
			return Response{}, nil
		}
		return Response{EnvValue: &v}, nil

	case TableMapping:
		tables, err := h.env.GetTableMapping(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Tables: tables}, nil

	default:
		return Response{}, NewContractViolation("unsupported capability %T", req)
	}
}

func (h *Host) allocate(kind string) OpID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextOp++
	h.pending[h.nextOp] = kind
	return h.nextOp
}

func (h *Host) forget(id OpID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, id)
}

// Await blocks until the async operation id completes and returns its
// completion. Completions for other operations that arrive first are kept
// for their own Await. Waiting is not host work and does not count against
// the system budget.
func (h *Host) Await(ctx context.Context, id OpID) (Completion, error) {
	h.mu.Lock()
	if c, ok := h.resolved[id]; ok {
		delete(h.resolved, id)
		h.mu.Unlock()
		return c, nil
	}
	kind, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return Completion{}, NewFunctionError("unknown async handle %d", id)
	}
	h.record("await", kind)

	for {
		c, err := h.env.NextCompletion(ctx)
		if err != nil {
			if errors.Is(err, ErrSchedulerClosed) {
				return Completion{}, NewInternalError("scheduler closed while awaiting op %d", id)
			}
			return Completion{}, err
		}

		h.mu.Lock()
		if _, known := h.pending[c.ID]; !known {
			h.mu.Unlock()
			return Completion{}, NewInternalError("completion for unknown async op %d", c.ID)
		}
		delete(h.pending, c.ID)
		if c.ID == id {
			h.mu.Unlock()
			return c, nil
		}
		h.resolved[c.ID] = c
		h.mu.Unlock()
	}
}

// PendingOps returns the number of issued operations not yet completed.
func (h *Host) PendingOps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
