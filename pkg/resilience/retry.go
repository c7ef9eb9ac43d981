// Package resilience holds the retry and circuit-breaking primitives
// used around the speech backend and the analysis endpoint.
package resilience

import "time"

// RetryPolicy retries an operation a fixed number of times with a
// constant backoff. It is used for connection setup, not for the
// per-tick dispatch path, which has its own retry-next-tick semantics.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	p := RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	return p
}

// Do runs fn until it succeeds or the attempts are exhausted,
// returning the last error. fn runs MaxRetries+1 times at most.
func (p RetryPolicy) Do(fn func() error) error {
	var lastErr error
	attempts := p.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			time.Sleep(p.Backoff)
		}
	}
	return lastErr
}
