// Package retry wraps fallible remote calls with bounded retries, exponential
// backoff and error classification. Non-retryable failures abort immediately
// so permanent client-side mistakes never turn into retry storms.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/pkg/logger"
)

// Policy is the immutable per-call retry configuration.
type Policy struct {
	// MaxAttempts is the number of retries after the initial attempt, so an
	// always-failing operation runs MaxAttempts+1 times in total.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// Multiplier scales the delay for every further retry.
	Multiplier float64
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// OnRetry, when set, observes each failed attempt before the backoff
	// sleep. It must not be able to break the loop, so panics are swallowed.
	OnRetry func(err error, attempt int)
}

// DefaultPolicy matches the steady-state remote calls of the keeper.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) normalised() Policy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// delay returns the backoff before retry number k (1-based):
// min(InitialDelay*Multiplier^(k-1), MaxDelay).
func (p Policy) delay(k int) time.Duration {
	backoff := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(k-1))
	if backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// Do runs op under the policy and returns the last observed error once the
// attempt budget is spent. A NonRetryable error aborts without consuming the
// remaining budget. Context cancellation ends the loop between attempts; an
// in-flight call is left to finish or time out on its own.
func Do[T any](ctx context.Context, name string, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalised()

	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, xerrors.Wrap(xerrors.CodeTimeout, err, name+" cancelled")
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if xerrors.IsNonRetryable(err) || attempt >= policy.MaxAttempts {
			return zero, lastErr
		}

		observe(policy.OnRetry, err, attempt+1)
		wait := policy.delay(attempt + 1)
		logger.L().Debug("retrying operation",
			slog.String("operation", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(wait):
		}
	}
}

func observe(onRetry func(err error, attempt int), err error, attempt int) {
	if onRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.L().Warn("retry observer panicked", slog.Any("panic", r))
		}
	}()
	onRetry(err, attempt)
}
