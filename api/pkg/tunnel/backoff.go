package tunnel

import (
	"math/rand"
	"time"
)

// backoff produces the reconnect schedule: doubling from initial to cap.
// The cap is a ceiling, never a stop; callers keep calling Next forever.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max}
}

// Next returns the delay to sleep before the next attempt.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Reset rewinds to the initial delay after a successful connection.
func (b *backoff) Reset() {
	b.current = 0
}

// jitter returns a uniform random duration in [0, max).
func jitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(max)))
}
