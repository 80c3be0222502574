package processor

import "time"

// Default retry schedule: 5m, 10m, 20m, 40m, ... capped at 6h.
const (
	DefaultBaseDelay = 5 * time.Minute
	DefaultMaxDelay  = 6 * time.Hour
)

// Backoff computes the delay before an item's next delivery attempt.
// The schedule is exponential in the retry count with an upper cap:
// delay(n) = min(Max, Base * 2^(n-1)), so the first retry waits Base.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoff creates a backoff schedule, substituting defaults for
// non-positive values.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max}
}

// Delay returns the wait before attempt retryCount (1-based: retryCount is
// the item's retry_count after the failure being scheduled).
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := b.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// NextRetryAt returns the earliest time the item may be re-dequeued.
func (b Backoff) NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(b.Delay(retryCount))
}
