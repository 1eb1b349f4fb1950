package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Retry interval bounds in seconds
const (
	MinRetryInterval = 1
	MaxRetryInterval = 600
)

// RetryPolicy controls how often and how patiently a send is repeated.
// Intervals are whole seconds.
type RetryPolicy struct {
	MaxRetries  int
	MinInterval int
	MaxInterval int
}

// DefaultRetryPolicy sends once and, when retries are enabled, backs off
// from one second up to ten minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  0,
		MinInterval: MinRetryInterval,
		MaxInterval: MaxRetryInterval,
	}
}

// Attempts returns the total number of send attempts, at least 1
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries + 1
	}
	return 1
}

// Normalize clamps the intervals into [MinRetryInterval, MaxRetryInterval]
// and raises MaxInterval to MinInterval when needed. It returns one warning
// per adjustment.
func (p RetryPolicy) Normalize() (RetryPolicy, []string) {
	var warnings []string
	if p.MaxRetries < 0 {
		warnings = append(warnings, fmt.Sprintf("maxRetries [%d] should not be negative, assuming 0", p.MaxRetries))
		p.MaxRetries = 0
	}
	if p.MinInterval < MinRetryInterval {
		warnings = append(warnings, fmt.Sprintf("retryMinInterval [%d] should be greater than or equal to [%d], assuming the lower limit", p.MinInterval, MinRetryInterval))
		p.MinInterval = MinRetryInterval
	}
	if p.MinInterval > MaxRetryInterval {
		warnings = append(warnings, fmt.Sprintf("retryMinInterval [%d] should be less than or equal to [%d], assuming the upper limit", p.MinInterval, MaxRetryInterval))
		p.MinInterval = MaxRetryInterval
	}
	if p.MaxInterval > MaxRetryInterval {
		warnings = append(warnings, fmt.Sprintf("retryMaxInterval [%d] should be less than or equal to [%d], assuming the upper limit", p.MaxInterval, MaxRetryInterval))
		p.MaxInterval = MaxRetryInterval
	}
	if p.MaxInterval < p.MinInterval {
		warnings = append(warnings, fmt.Sprintf("retryMaxInterval [%d] should be greater than or equal to [%d], assuming the lower limit", p.MaxInterval, p.MinInterval))
		p.MaxInterval = p.MinInterval
	}
	return p, warnings
}

// Backoff is the retry state of one invocation.
type Backoff struct {
	policy   RetryPolicy
	interval int
}

// NewBackoff starts a backoff at the policy's minimum interval
func NewBackoff(policy RetryPolicy) *Backoff {
	return &Backoff{policy: policy, interval: policy.MinInterval}
}

// Next clamps the current interval into the policy bounds, doubles it for the
// following call and returns the clamped value.
func (b *Backoff) Next() time.Duration {
	if b.interval < b.policy.MinInterval {
		b.interval = b.policy.MinInterval
	}
	if b.interval > b.policy.MaxInterval {
		b.interval = b.policy.MaxInterval
	}
	current := b.interval
	b.interval *= 2
	return time.Duration(current) * time.Second
}

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper. Cancellation wins over completing the wait.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
