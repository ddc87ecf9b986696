package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleBlocksAfterThreshold(t *testing.T) {
	current := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	throttle := NewThrottle(ThrottleConfig{
		Threshold: 3,
		Window:    10 * time.Minute,
		Clock:     func() time.Time { return current },
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, throttle.Check("manager:alice@example.com"))
		throttle.RecordFailure("manager:alice@example.com")
	}

	// The fourth attempt is rejected before any verification runs,
	// regardless of whether the submitted secret would be correct.
	require.ErrorIs(t, throttle.Check("manager:alice@example.com"), ErrTemporarilyBlocked)
}

func TestThrottleWindowLapseUnblocks(t *testing.T) {
	current := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	throttle := NewThrottle(ThrottleConfig{
		Threshold: 2,
		Window:    10 * time.Minute,
		Clock:     func() time.Time { return current },
	})

	throttle.RecordFailure("k")
	throttle.RecordFailure("k")
	require.ErrorIs(t, throttle.Check("k"), ErrTemporarilyBlocked)

	current = current.Add(11 * time.Minute)
	require.NoError(t, throttle.Check("k"))

	// Post-lapse failures start a fresh window at count one.
	throttle.RecordFailure("k")
	require.NoError(t, throttle.Check("k"))
}

func TestThrottleSuccessResetsCount(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{Threshold: 2, Window: time.Minute})

	throttle.RecordFailure("k")
	throttle.RecordSuccess("k")
	throttle.RecordFailure("k")

	require.NoError(t, throttle.Check("k"))
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{Threshold: 1, Window: time.Minute})

	throttle.RecordFailure("a")
	require.ErrorIs(t, throttle.Check("a"), ErrTemporarilyBlocked)
	require.NoError(t, throttle.Check("b"))
}

func TestThrottleConcurrentFailuresCannotBypassLockout(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{Threshold: 5, Window: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			throttle.RecordFailure("k")
		}()
	}
	wg.Wait()

	require.ErrorIs(t, throttle.Check("k"), ErrTemporarilyBlocked)
}
