package runtime

import (
	"encoding/binary"
	"slices"
	"sync"
	"time"
)

// DefaultTestEpoch is the starting time of a TestRuntime.
var DefaultTestEpoch = time.UnixMilli(1_700_000_000_000).UTC()

// TestRuntime is a deterministic Runtime for tests.
//
// Time only moves when Advance is called. Timers fire during Advance in
// deadline order, ties broken by creation order. Seeds come from a counter,
// so the first attempt of a test always gets the all-zero seed, the next
// one the seed with counter 1, and so on.
//
// Thread-safety: all methods are safe for concurrent use.
type TestRuntime struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*testTimer
	created uint64
	seeds   uint64
}

// NewTestRuntime returns a TestRuntime at DefaultTestEpoch.
func NewTestRuntime() *TestRuntime {
	return NewTestRuntimeAt(DefaultTestEpoch)
}

// NewTestRuntimeAt returns a TestRuntime starting at start.
func NewTestRuntimeAt(start time.Time) *TestRuntime {
	return &TestRuntime{now: start}
}

func (r *TestRuntime) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *TestRuntime) NewTimer(d time.Duration) Timer {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.created++
	t := &testTimer{
		rt:       r,
		ch:       make(chan time.Time, 1),
		deadline: r.now.Add(max(d, 0)),
		order:    r.created,
	}
	if d <= 0 {
		t.fired = true
		t.ch <- r.now
		return t
	}
	r.timers = append(r.timers, t)
	return t
}

func (r *TestRuntime) NewSeed() (Seed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Seed
	binary.LittleEndian.PutUint64(s[:8], r.seeds)
	r.seeds++
	return s, nil
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has passed.
func (r *TestRuntime) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.now = r.now.Add(d)
	slices.SortFunc(r.timers, func(a, b *testTimer) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		if a.order < b.order {
			return -1
		}
		return 1
	})

	remaining := r.timers[:0]
	for _, t := range r.timers {
		if t.deadline.After(r.now) {
			remaining = append(remaining, t)
			continue
		}
		t.fired = true
		t.ch <- t.deadline
	}
	r.timers = remaining
}

// PendingTimers returns the number of armed timers that have not fired.
func (r *TestRuntime) PendingTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

type testTimer struct {
	rt       *TestRuntime
	ch       chan time.Time
	deadline time.Time
	order    uint64
	fired    bool
}

func (t *testTimer) C() <-chan time.Time { return t.ch }

func (t *testTimer) Stop() bool {
	t.rt.mu.Lock()
	defer t.rt.mu.Unlock()

	if t.fired {
		return false
	}
	t.rt.timers = slices.DeleteFunc(t.rt.timers, func(other *testTimer) bool {
		return other == t
	})
	t.fired = true
	return true
}
