// Package retry runs an operation with exponential backoff under an
// explicit Policy.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
)

// Policy controls how an operation is retried.
//
// Attempt n (1-based) that fails with a retryable error is followed by a
// wait of BaseDelay * 2^(n-1), capped at MaxDelay when set, plus up to
// Jitter * delay of random slack.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Classify reports whether err is worth another attempt.
	// Nil uses apperr.IsRetryable.
	Classify func(err error) bool

	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default is 3 attempts with 2s then 4s between them.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
	}
}

// Delay returns the backoff after the given failed attempt, without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. Exhaustion returns *apperr.FatalPipelineError
// wrapping the last error. Context cancellation during a wait returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = apperr.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !classify(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.Jitter > 0 {
			delay += time.Duration(float64(delay) * p.Jitter * rand.Float64())
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &apperr.FatalPipelineError{Attempts: p.MaxAttempts, Err: lastErr}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
