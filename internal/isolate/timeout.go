package isolate

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/udfcore/internal/runtime"
)

// Budget enforces the two timeout ceilings of an attempt.
//
// User time is wall-clock time since Start minus time spent inside the
// host. System time is time spent inside the host, bracketed by
// EnterSystem/ExitSystem. A watchdog goroutine cancels the attempt's
// context with a *Error of code ErrCodeTimeout as soon as either budget
// runs out.
type Budget struct {
	rt     runtime.Runtime
	user   time.Duration
	system time.Duration
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	start       time.Time
	systemSpent time.Duration
	depth       int
	enteredAt   time.Time
	exceeded    *Error

	kick chan struct{}
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// StartBudget starts the watchdog. The returned context is cancelled when a
// budget is exceeded or Stop is called.
func StartBudget(ctx context.Context, rt runtime.Runtime, user, system time.Duration) (context.Context, *Budget) {
	ctx, cancel := context.WithCancelCause(ctx)
	b := &Budget{
		rt:     rt,
		user:   user,
		system: system,
		cancel: cancel,
		start:  rt.Now(),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.watch(ctx)
	return ctx, b
}

// EnterSystem marks the start of host work. Calls nest.
func (b *Budget) EnterSystem() {
	b.mu.Lock()
	if b.depth == 0 {
		b.enteredAt = b.rt.Now()
	}
	b.depth++
	b.mu.Unlock()
	b.poke()
}

// ExitSystem marks the end of host work started by EnterSystem.
func (b *Budget) ExitSystem() {
	b.mu.Lock()
	if b.depth > 0 {
		b.depth--
		if b.depth == 0 {
			b.systemSpent += b.rt.Now().Sub(b.enteredAt)
		}
	}
	b.mu.Unlock()
	b.poke()
}

// Usage returns user and system time consumed so far.
func (b *Budget) Usage() (user, system time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usageLocked(b.rt.Now())
}

func (b *Budget) usageLocked(now time.Time) (user, system time.Duration) {
	system = b.systemSpent
	if b.depth > 0 {
		system += now.Sub(b.enteredAt)
	}
	user = now.Sub(b.start) - system
	return user, system
}

// Exceeded returns the timeout error if a budget ran out, or nil.
func (b *Budget) Exceeded() *Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// Stop ends the watchdog and cancels the budget context. Safe to call more
// than once.
func (b *Budget) Stop() {
	b.once.Do(func() { close(b.stop) })
	<-b.done
	b.cancel(context.Canceled)
}

func (b *Budget) poke() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Budget) watch(ctx context.Context) {
	defer close(b.done)
	for {
		b.mu.Lock()
		user, system := b.usageLocked(b.rt.Now())
		inSystem := b.depth > 0
		var err *Error
		switch {
		case system >= b.system:
			err = NewTimeoutError(TimeoutSystem, b.system)
		case user >= b.user:
			err = NewTimeoutError(TimeoutUser, b.user)
		}
		if err != nil {
			b.exceeded = err
		}
		b.mu.Unlock()

		if err != nil {
			b.cancel(err)
			return
		}

		// Only the budget currently being consumed can run out next.
		wait := b.user - user
		if inSystem {
			wait = b.system - system
		}
		timer := b.rt.NewTimer(wait)
		select {
		case <-timer.C():
		case <-b.kick:
			timer.Stop()
		case <-b.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
