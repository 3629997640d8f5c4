package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/timmy/imgbatch/internal/domain"
)

// RetryPolicy controls how often a failing job is retried and how long the
// queue waits between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Validate rejects policies whose delays could shrink between attempts.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return domain.NewValidationError("maxAttempts", fmt.Sprintf("must be at least 1, got %d", p.MaxAttempts))
	}
	if p.BaseDelay < 0 {
		return domain.NewValidationError("baseDelay", "must not be negative")
	}
	if p.Multiplier < 1 {
		return domain.NewValidationError("multiplier", fmt.Sprintf("must be >= 1, got %v", p.Multiplier))
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return domain.NewValidationError("maxDelay", "must not be below baseDelay")
	}
	return nil
}

// Backoff returns the wait before the attempt that follows failed attempt n
// (1-based): BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func policyOf(row *domain.QueuedJob) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: row.MaxAttempts,
		BaseDelay:   time.Duration(row.BaseDelayMs) * time.Millisecond,
		Multiplier:  row.Multiplier,
		MaxDelay:    time.Duration(row.MaxDelayMs) * time.Millisecond,
	}
}
