package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// MaxRetries returns the maximum number of retries; zero or less means
	// no retry is made
	MaxRetries() int
	// NextDelay calculates the delay before the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Sleep waits for d, returning false if ctx is done or abort is closed first
func Sleep(ctx context.Context, abort <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-abort:
		return false
	}
}

// PollUntil waits policy.NextDelay between checks of cond until it holds or
// policy.MaxRetries polls have been made. It never calls anything but cond
// while waiting. It returns the number of polls made and
//   - nil if cond held,
//   - ErrMaxRetriesExceeded if it still did not hold after the last poll,
//   - ErrPollAborted if abort was closed,
//   - ctx.Err() if ctx was done.
func PollUntil(ctx context.Context, policy RetryPolicy, abort <-chan struct{}, cond func() bool) (int, error) {
	polls := 0
	for !cond() && polls < policy.MaxRetries() {
		delay := policy.NextDelay(polls)
		polls++

		if !Sleep(ctx, abort, delay) {
			if err := ctx.Err(); err != nil {
				return polls, err
			}
			return polls, ErrPollAborted
		}
	}

	if !cond() {
		return polls, ErrMaxRetriesExceeded
	}
	return polls, nil
}
