package queue

import "time"

// Backoff is the exponential retry schedule applied by Fail.
type Backoff struct {
	Base time.Duration // delay after the first failure
	Max  time.Duration // ceiling for any single delay
}

// DefaultBackoff doubles from one minute, capped at a day.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Minute, Max: 24 * time.Hour}
}

// Delay returns the wait before retrying a job that has failed `failures`
// times (1-based): Base * 2^(failures-1), capped at Max.
func (b Backoff) Delay(failures int) time.Duration {
	if b.Base <= 0 {
		b.Base = time.Minute
	}
	if b.Max <= 0 {
		b.Max = 24 * time.Hour
	}
	if failures < 1 {
		failures = 1
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
