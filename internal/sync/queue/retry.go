package queue

import "time"

// RetryPolicy maps a retry attempt number to the backoff delay before the
// next automatic attempt.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the default policy: 30s doubling up to 1h.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 30 * time.Second,
		MaxDelay:  time.Hour,
	}
}

// Delay returns min(BaseDelay * 2^(attempt-1), MaxDelay). Attempts below 1
// are treated as attempt 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = p.BaseDelay
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// stop doubling before overflow or once the cap is reached
		if delay >= limit || delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}
