package pathlock

import (
	"context"
	"realiser/internal/apperrors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock_Exclusive(t *testing.T) {
	t.Parallel()
	l, err := New(t.TempDir())
	require.NoError(t, err)

	lock, ok, err := l.TryLock("b-out", "a-out", "a-out")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a-out", "b-out"}, lock.Names())

	// Overlapping sets are refused as a whole.
	_, ok, err = l.TryLock("c-out", "b-out")
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, err := l.TryLock("c-out")
	require.NoError(t, err)
	require.True(t, ok, "c-out must not stay locked after a refused TryLock")
	require.NoError(t, other.Unlock())

	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.Unlock())

	again, ok, err := l.TryLock("a-out", "b-out")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again.Unlock())
}

func TestTryLock_InvalidName(t *testing.T) {
	t.Parallel()
	l, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = l.TryLock("ok", "../escape")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// The valid name taken before the error is released again.
	lock, ok, err := l.TryLock("ok")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Unlock())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	t.Parallel()
	l, err := New(t.TempDir())
	require.NoError(t, err)

	held, ok, err := l.TryLock("x")
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Unlock()
	}()

	lock, err := l.Acquire(context.Background(), 5*time.Second, "x")
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestAcquire_Timeout(t *testing.T) {
	t.Parallel()
	l, err := New(t.TempDir())
	require.NoError(t, err)

	held, ok, err := l.TryLock("x")
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	start := time.Now()
	_, err = l.Acquire(context.Background(), 200*time.Millisecond, "x")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	t.Parallel()
	l, err := New(t.TempDir())
	require.NoError(t, err)

	held, ok, err := l.TryLock("x")
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, 0, "x")
	assert.Error(t, err)
}
