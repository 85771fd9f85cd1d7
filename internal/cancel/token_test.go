package cancel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelSetsFlagAndContext(t *testing.T) {
	tok := New(context.Background(), "r1", 0)
	defer tok.Release()

	assert.False(t, tok.Cancelled())
	assert.NoError(t, tok.Err())

	tok.Cancel()
	tok.CancelWithCause(ErrTimeout)

	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, tok.Err(), ErrCancelled)
	select {
	case <-tok.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestTimeoutRaisesFlag(t *testing.T) {
	tok := New(context.Background(), "r1", 10*time.Millisecond)
	defer tok.Release()

	require.Eventually(t, tok.Cancelled, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, tok.Err(), ErrTimeout)
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := New(parent, "r1", 0)
	defer tok.Release()

	cancel()
	require.Eventually(t, tok.Cancelled, time.Second, 5*time.Millisecond)
	assert.True(t, IsCancellation(tok.Err()))
}

func TestReleaseDoesNotRaiseFlag(t *testing.T) {
	tok := New(context.Background(), "r1", time.Hour)
	tok.Release()
	assert.False(t, tok.Cancelled())
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(fmt.Errorf("git log: %w", context.Canceled)))
	assert.True(t, IsCancellation(ErrTimeout))
	assert.False(t, IsCancellation(fmt.Errorf("boom")))
}
