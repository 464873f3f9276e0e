package isolate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/value"
)

// ErrSchedulerClosed is returned by Scheduler methods after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// LogicalClock is an attempt's notion of "now" in unix milliseconds.
//
// It is fixed when the attempt starts and only moves forward when a timer
// completion is delivered.
type LogicalClock struct {
	mu  sync.Mutex
	now int64
}

// NewLogicalClock returns a clock reading start.
func NewLogicalClock(start int64) *LogicalClock {
	return &LogicalClock{now: start}
}

// Now returns the current reading.
func (c *LogicalClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceTo moves the clock to ts. Earlier timestamps are ignored.
func (c *LogicalClock) AdvanceTo(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.now {
		c.now = ts
	}
}

type pendingTimer struct {
	id       OpID
	until    int64
	deadline time.Time
	order    uint64
	timer    runtime.Timer
}

type readyOp struct {
	Completion
	at    time.Time
	order uint64
}

// Scheduler tracks the in-flight async operations of one attempt and hands
// their completions back in completion order.
//
// Timers are armed on the host runtime. Completions that are ready at issue
// time (async syscalls) are stamped with the host time they were queued at,
// and a timer whose deadline is not later than that stamp is delivered first.
type Scheduler struct {
	rt    runtime.Runtime
	clock *LogicalClock

	mu     sync.Mutex
	timers map[OpID]*pendingTimer
	ready  []readyOp
	issued uint64
	closed bool
	done   chan struct{}
}

// NewScheduler returns a scheduler arming timers on rt and advancing clock
// as they are delivered.
func NewScheduler(rt runtime.Runtime, clock *LogicalClock) *Scheduler {
	return &Scheduler{
		rt:     rt,
		clock:  clock,
		timers: make(map[OpID]*pendingTimer),
		done:   make(chan struct{}),
	}
}

// StartSleep schedules a completion for id once the logical clock would
// reach until. A time already in the past completes without waiting.
func (s *Scheduler) StartSleep(id OpID, until int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if err := s.checkFreshLocked(id); err != nil {
		return err
	}

	remaining := time.Duration(max(until-s.clock.Now(), 0)) * time.Millisecond
	s.issued++
	s.timers[id] = &pendingTimer{
		id:       id,
		until:    until,
		deadline: s.rt.Now().Add(remaining),
		order:    s.issued,
		timer:    s.rt.NewTimer(remaining),
	}
	return nil
}

// Ready registers an operation that is already complete.
func (s *Scheduler) Ready(id OpID, result value.Value, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if err := s.checkFreshLocked(id); err != nil {
		return err
	}
	s.issued++
	s.ready = append(s.ready, readyOp{
		Completion: Completion{ID: id, Result: result, Err: err},
		at:         s.rt.Now(),
		order:      s.issued,
	})
	return nil
}

func (s *Scheduler) checkFreshLocked(id OpID) error {
	if _, ok := s.timers[id]; ok {
		return NewInternalError("async op %d is already pending", id)
	}
	for _, c := range s.ready {
		if c.ID == id {
			return NewInternalError("async op %d is already pending", id)
		}
	}
	return nil
}

// Pending returns the number of operations not yet delivered.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.ready)
}

// Next returns the next completed operation. If nothing is pending it blocks
// until ctx is done and returns the context's cause.
func (s *Scheduler) Next(ctx context.Context) (Completion, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Completion{}, ErrSchedulerClosed
		}
		next := s.earliestLocked()
		if len(s.ready) > 0 && (next == nil || !next.completesBefore(s.ready[0])) {
			c := s.ready[0].Completion
			s.ready = s.ready[1:]
			s.mu.Unlock()
			return c, nil
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return Completion{}, context.Cause(ctx)
			case <-s.done:
				return Completion{}, ErrSchedulerClosed
			}
		}

		select {
		case <-next.timer.C():
		case <-ctx.Done():
			return Completion{}, context.Cause(ctx)
		case <-s.done:
			return Completion{}, ErrSchedulerClosed
		}

		s.mu.Lock()
		_, stillPending := s.timers[next.id]
		if stillPending {
			delete(s.timers, next.id)
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Completion{}, ErrSchedulerClosed
		}
		if stillPending {
			s.clock.AdvanceTo(next.until)
			return Completion{ID: next.id, Result: value.Null{}}, nil
		}
	}
}

// completesBefore reports whether t finished no later than op was queued.
func (t *pendingTimer) completesBefore(op readyOp) bool {
	c := t.deadline.Compare(op.at)
	return c < 0 || (c == 0 && t.order < op.order)
}

func (s *Scheduler) earliestLocked() *pendingTimer {
	var best *pendingTimer
	for _, t := range s.timers {
		if best == nil {
			best = t
			continue
		}
		if c := t.deadline.Compare(best.deadline); c < 0 || (c == 0 && t.order < best.order) {
			best = t
		}
	}
	return best
}

// Close cancels every pending operation. No further completions are
// delivered.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	s.ready = nil
}
