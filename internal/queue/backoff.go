package queue

import "time"

// Backoff computes exponential retry delays: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the enrichment retry policy: 30s base, 1h cap.
var DefaultBackoff = Backoff{Base: 30 * time.Second, Max: time.Hour}

// Delay returns the wait before the next delivery after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
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
