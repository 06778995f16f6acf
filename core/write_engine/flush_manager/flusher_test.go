package flushmanager

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestFlusher_RunsPeriodicallyAndOnStop checks the ticker loop and the final
// flush.
func TestFlusher_RunsPeriodicallyAndOnStop(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	var calls atomic.Int64
	f := NewFlusher(func() (int, error) {
		calls.Add(1)
		return 10, nil
	}, 5*time.Millisecond, logger)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	before := calls.Load()
	f.Stop()
	require.Greater(t, calls.Load(), before, "stop runs a final flush")
	require.Equal(t, calls.Load(), f.Runs())

	// Stop is idempotent.
	f.Stop()
}

// TestFlusher_CountsFailures checks that errors are counted and do not stop
// the loop.
func TestFlusher_CountsFailures(t *testing.T) {
	f := NewFlusher(func() (int, error) {
		return 0, errors.New("disk on fire")
	}, 2*time.Millisecond, nil)

	require.Eventually(t, func() bool { return f.Failures() >= 2 }, 2*time.Second, time.Millisecond)
	f.Stop()
	require.Equal(t, f.Runs(), f.Failures())
}

// TestFlusher_DisabledIsNil checks that a non-positive interval disables the
// flusher and that the nil flusher is usable.
func TestFlusher_DisabledIsNil(t *testing.T) {
	f := NewFlusher(func() (int, error) { return 0, nil }, 0, nil)
	require.Nil(t, f)
	require.Zero(t, f.Runs())
	f.Stop()
}
