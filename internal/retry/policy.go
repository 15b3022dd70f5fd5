// Package retry computes exponential backoff and arms one-shot retry timers.
package retry

import "time"

// Policy is an exponential backoff with a retry ceiling.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy is 1s base, 3 attempts, capped at 5 minutes.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, MaxRetries: 3}
}

// Delay returns BaseDelay * 2^(retryCount-1), capped at MaxDelay.
// retryCount <= 0 means no wait.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		// overflow
		if d <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an item that has failed retryCount times must stop retrying.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// WithMaxRetries returns a copy of p using n attempts, or p unchanged when n <= 0.
func (p Policy) WithMaxRetries(n int) Policy {
	if n > 0 {
		p.MaxRetries = n
	}
	return p
}
