package isolate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/runtime"
	"github.com/roach88/udfcore/internal/value"
)

func newTestScheduler(start int64) (*Scheduler, *LogicalClock, *runtime.TestRuntime) {
	rt := runtime.NewTestRuntime()
	clock := NewLogicalClock(start)
	return NewScheduler(rt, clock), clock, rt
}

func TestLogicalClock_OnlyMovesForward(t *testing.T) {
	c := NewLogicalClock(100)
	c.AdvanceTo(50)
	assert.Equal(t, int64(100), c.Now())
	c.AdvanceTo(200)
	assert.Equal(t, int64(200), c.Now())
}

func TestScheduler_ReadyBeforeTimers(t *testing.T) {
	s, clock, rt := newTestScheduler(1000)
	ctx := context.Background()

	require.NoError(t, s.StartSleep(1, 1500))
	require.NoError(t, s.Ready(2, value.String("done"), nil))
	assert.Equal(t, 2, s.Pending())

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpID(2), c.ID)
	assert.Equal(t, value.String("done"), c.Result)

	rt.Advance(500 * time.Millisecond)
	c, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpID(1), c.ID)
	assert.Equal(t, value.Null{}, c.Result)
	assert.Equal(t, int64(1500), clock.Now())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_PastSleepBeforeLaterReady(t *testing.T) {
	s, _, _ := newTestScheduler(1000)
	ctx := context.Background()

	require.NoError(t, s.StartSleep(1, 0))
	require.NoError(t, s.Ready(2, value.String("done"), nil))

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpID(1), c.ID)

	c, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpID(2), c.ID)
}

func TestScheduler_FiredTimerBeforeLaterReady(t *testing.T) {
	s, clock, rt := newTestScheduler(1000)
	ctx := context.Background()

	require.NoError(t, s.StartSleep(1, 1500))
	rt.Advance(time.Second)
	require.NoError(t, s.Ready(2, value.Null{}, nil))
	require.NoError(t, s.StartSleep(3, clock.Now()))

	var order []OpID
	for range 3 {
		c, err := s.Next(ctx)
		require.NoError(t, err)
		order = append(order, c.ID)
	}
	assert.Equal(t, []OpID{1, 2, 3}, order)
}

func TestScheduler_TimersInDeadlineOrder(t *testing.T) {
	s, clock, rt := newTestScheduler(1000)
	ctx := context.Background()

	require.NoError(t, s.StartSleep(1, 3000))
	require.NoError(t, s.StartSleep(2, 2000))
	require.NoError(t, s.StartSleep(3, 2000))
	rt.Advance(5 * time.Second)

	var order []OpID
	for range 3 {
		c, err := s.Next(ctx)
		require.NoError(t, err)
		order = append(order, c.ID)
	}
	assert.Equal(t, []OpID{2, 3, 1}, order)
	assert.Equal(t, int64(3000), clock.Now())
}

func TestScheduler_PastDeadlineCompletesImmediately(t *testing.T) {
	s, clock, _ := newTestScheduler(1000)

	require.NoError(t, s.StartSleep(1, 500))
	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OpID(1), c.ID)
	assert.Equal(t, int64(1000), clock.Now())
}

func TestScheduler_NextWaitsForTimer(t *testing.T) {
	s, clock, rt := newTestScheduler(0)
	require.NoError(t, s.StartSleep(7, 250))

	got := make(chan Completion, 1)
	go func() {
		c, err := s.Next(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("completion delivered before the timer fired")
	case <-time.After(20 * time.Millisecond):
	}

	rt.Advance(250 * time.Millisecond)
	select {
	case c := <-got:
		assert.Equal(t, OpID(7), c.ID)
		assert.Equal(t, int64(250), clock.Now())
	case <-time.After(time.Second):
		t.Fatal("completion not delivered")
	}
}

func TestScheduler_DuplicateIDIsInternal(t *testing.T) {
	s, _, _ := newTestScheduler(0)
	require.NoError(t, s.StartSleep(1, 10))

	err := s.StartSleep(1, 20)
	assert.True(t, IsInternal(err))

	err = s.Ready(1, value.Null{}, nil)
	assert.True(t, IsInternal(err))
}

func TestScheduler_NothingPendingBlocksUntilContextDone(t *testing.T) {
	s, _, _ := newTestScheduler(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_Close(t *testing.T) {
	s, _, rt := newTestScheduler(0)
	require.NoError(t, s.StartSleep(1, 100))

	s.Close()
	s.Close()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, rt.PendingTimers())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.ErrorIs(t, s.StartSleep(2, 100), ErrSchedulerClosed)
	assert.ErrorIs(t, s.Ready(3, value.Null{}, nil), ErrSchedulerClosed)
}

func TestScheduler_CloseReleasesWaiter(t *testing.T) {
	s, _, _ := newTestScheduler(0)
	require.NoError(t, s.StartSleep(1, 100))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSchedulerClosed)
	case <-time.After(time.Second):
		t.Fatal("Next still blocked after Close")
	}
}
