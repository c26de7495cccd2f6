package retry

import (
	"math/rand/v2"
	"time"

	"github.com/corvid-labs/magpie/internal/task"
)

// Policy decides whether a failed attempt is re-admitted and with what
// backoff. Only transient network failures are retryable; auth failures,
// destination write failures and unclassified errors give up immediately.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func Default() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Next returns the backoff before the given attempt may be retried.
// attempt counts completed attempts, starting at 1 for the first failure.
// ok is false when the failure class is non-retryable or attempts are
// exhausted.
func (p Policy) Next(err error, attempt int) (time.Duration, bool) {
	if !task.Classify(err).Retryable() {
		return 0, false
	}
	if attempt >= p.MaxRetries {
		return 0, false
	}
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	// Jitter: 0.5 to 1.5 of the computed delay, so parallel retries
	// against the same host don't synchronize.
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	return jittered, true
}
