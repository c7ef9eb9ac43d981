package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a rate-limited response from a provider. Only
// these errors count toward opening the circuit; transient network
// failures are expected to be retried at their normal cadence.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit reports whether err is or wraps a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker opens after threshold consecutive rate-limit errors
// and rejects requests until the cooldown has elapsed. Any success
// closes it and resets the count.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	consecutive int
	reopenAt    time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: threshold, cooldown: cooldown}
	if cb.threshold <= 0 {
		cb.threshold = 3
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	return cb
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.reopenAt.IsZero() || !time.Now().Before(cb.reopenAt)
}

// OnSuccess closes the circuit.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	cb.consecutive = 0
	cb.reopenAt = time.Time{}
	cb.mu.Unlock()
}

// OnError records a failure. Non-rate-limit errors are ignored.
func (cb *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutive++
	if cb.consecutive >= cb.threshold {
		cb.reopenAt = time.Now().Add(cb.cooldown)
	}
}
