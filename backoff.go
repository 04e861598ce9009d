package authstream

import "time"

// reconnector tracks consecutive failures and computes backoff delays:
// delay = min(baseDelay * 2^attempt, maxDelay).
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int // < 0 means unlimited
	attempt     int
}

func newReconnector(cfg StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// exhausted reports whether recording one more failure reaches the ceiling.
func (r *reconnector) exhausted() bool {
	return r.maxAttempts >= 0 && r.attempt+1 >= r.maxAttempts
}

// delayFor returns the backoff for the given attempt number.
func (r *reconnector) delayFor(attempt int) time.Duration {
	delay := r.baseDelay
	for i := 0; i < attempt; i++ {
		if delay > r.maxDelay/2 {
			return r.maxDelay
		}
		delay *= 2
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}

// next returns the delay for the current attempt and advances it.
func (r *reconnector) next() time.Duration {
	delay := r.delayFor(r.attempt)
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

func (r *reconnector) state() RetryState {
	return RetryState{Attempt: r.attempt, NextDelay: r.delayFor(r.attempt)}
}
