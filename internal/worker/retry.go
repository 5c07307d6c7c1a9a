package worker

import (
	"time"

	"notifyd/internal/domain"
)

// RetryPolicy bounds dispatch attempts and spaces them with exponential
// backoff. Urgent jobs may carry their own ceiling and base delay; zero
// values fall back to the defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	UrgentMaxAttempts int
	UrgentBaseDelay   time.Duration
}

func (r RetryPolicy) Ceiling(u domain.UrgencyLevel) int {
	if u == domain.UrgencyUrgent && r.UrgentMaxAttempts > 0 {
		return r.UrgentMaxAttempts
	}
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 3
}

// Delay returns the backoff before attempt n (1-based retries): base doubled
// per prior attempt, capped. Non-decreasing in n.
func (r RetryPolicy) Delay(u domain.UrgencyLevel, attempt int) time.Duration {
	base := r.BaseDelay
	if u == domain.UrgencyUrgent && r.UrgentBaseDelay > 0 {
		base = r.UrgentBaseDelay
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
