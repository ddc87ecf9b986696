package auth

import (
	"errors"
	"sync"
	"time"
)

// ErrTemporarilyBlocked signals that a key has exceeded the permitted
// failed attempts within the current window.
var ErrTemporarilyBlocked = errors.New("throttle: temporarily blocked")

const (
	defaultThrottleThreshold = 5
	defaultThrottleWindow    = 15 * time.Minute
)

// ThrottleConfig defines tunable behaviour for the attempt throttle.
type ThrottleConfig struct {
	Threshold int
	Window    time.Duration
	Clock     func() time.Time
}

type attemptCounter struct {
	count     int
	windowEnd time.Time
}

// Throttle counts verification failures per key and blocks further
// attempts once the threshold is reached within the window. Check must
// run before any secret comparison so a blocked caller cannot learn
// whether the submitted secret was correct.
type Throttle struct {
	mu   sync.Mutex
	data map[string]*attemptCounter

	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewThrottle builds a throttle with sane defaults.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThrottleThreshold
	}

	window := cfg.Window
	if window <= 0 {
		window = defaultThrottleWindow
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Throttle{
		data:      make(map[string]*attemptCounter),
		threshold: threshold,
		window:    window,
		now:       clock,
	}
}

// Check fails with ErrTemporarilyBlocked when the key has reached the
// failure threshold within the active window; otherwise it is a no-op.
func (t *Throttle) Check(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.data[key]
	if !ok {
		return nil
	}

	if t.now().After(counter.windowEnd) {
		delete(t.data, key)
		return nil
	}

	if counter.count >= t.threshold {
		return ErrTemporarilyBlocked
	}

	return nil
}

// RecordFailure increments the failure count for the key, starting a
// fresh window on the first failure.
func (t *Throttle) RecordFailure(key string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.data[key]
	if !ok || now.After(counter.windowEnd) {
		counter = &attemptCounter{windowEnd: now.Add(t.window)}
		t.data[key] = counter
	}

	counter.count++
}

// RecordSuccess clears the failure count for the key.
func (t *Throttle) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.data, key)
}
