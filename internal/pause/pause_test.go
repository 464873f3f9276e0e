package pause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const label = "loop_start"

func TestNoopClientNeverBlocks(t *testing.T) {
	require.NoError(t, NoopClient().Wait(context.Background(), label))

	_, client := NewController("other")
	require.NoError(t, client.Wait(context.Background(), label))
}

func TestWaitForBlockedAndUnpause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctrl, client := NewController(label)
	released := make(chan error, 1)
	go func() {
		released <- client.Wait(ctx, label)
	}()

	guard, err := ctrl.WaitForBlocked(ctx, label)
	require.NoError(t, err)
	assert.Equal(t, label, guard.Label())

	select {
	case <-released:
		t.Fatal("client released before unpause")
	case <-time.After(20 * time.Millisecond):
	}

	guard.Unpause()
	guard.Unpause()
	require.NoError(t, <-released)
}

func TestEveryHitBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctrl, client := NewController(label)
	hits := 3
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < hits; i++ {
			_ = client.Wait(ctx, label)
		}
	}()

	for i := 0; i < hits; i++ {
		guard, err := ctrl.WaitForBlocked(ctx, label)
		require.NoError(t, err)
		guard.Unpause()
	}
	<-done
}

func TestWaitHonorsContext(t *testing.T) {
	_, client := NewController(label)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Wait(ctx, label)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseReleasesClients(t *testing.T) {
	ctrl, client := NewController(label)
	ctrl.Close()

	require.NoError(t, client.Wait(context.Background(), label))
	_, err := ctrl.WaitForBlocked(context.Background(), label)
	assert.Error(t, err)
}

func TestWaitForBlockedUnknownLabel(t *testing.T) {
	ctrl, _ := NewController(label)
	_, err := ctrl.WaitForBlocked(context.Background(), "nope")
	assert.Error(t, err)
}
