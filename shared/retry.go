package shared

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy decides whether and when a failed brokerage call is attempted
// again, based on the kind of the failure.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of calls made, including the first.
	MaxAttempts int
	// InitialBackoff is the wait before the first retry of a transient failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the transient failure backoff.
	MaxBackoff time.Duration
	// BackoffFactor is the growth factor of successive backoffs.
	BackoffFactor float64
	// JitterFactor randomizes each backoff by up to this fraction.
	JitterFactor float64
	// RateLimitCooldown is the fixed wait after a rate limit response.
	RateLimitCooldown time.Duration
	// RefreshSession renews the brokerage session after an auth failure.
	RefreshSession func(ctx context.Context) error
	// Sleep waits for the provided duration or until the context is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger represents the retry logger.
	Logger *zerolog.Logger
}

// DefaultRetryPolicy returns the retry policy used for brokerage calls.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Second * 30,
		BackoffFactor:     2,
		RateLimitCooldown: time.Minute,
	}
}

// sleepCtx waits for the provided duration or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the wait before the retry following the provided zero-based attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	backoff := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	if p.JitterFactor > 0 {
		jitter := backoff * p.JitterFactor
		backoff += jitter*2*rand.Float64() - jitter
	}

	return time.Duration(backoff)
}

// Retryable checks whether failures of the provided kind are retried at all.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case InvalidInput, RiskViolation, DataUnavailable, NotFound:
		return false
	default:
		return true
	}
}

// Do runs fn under the policy.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Retry runs fn under the provided policy, returning its first successful result.
//
// Auth failures refresh the session once and retry without consuming an
// attempt. Rate limited calls wait out the cooldown, other retryable failures
// back off exponentially. Non-retryable kinds are returned immediately.
func Retry[T any](ctx context.Context, p *RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	refreshed := false
	attempt := 0
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		kind := KindOf(err)
		if !Retryable(kind) {
			return zero, err
		}

		if kind == AuthExpired {
			if refreshed || p.RefreshSession == nil {
				return zero, err
			}

			refreshed = true
			if p.Logger != nil {
				p.Logger.Warn().Msgf("%s: session expired, refreshing", op)
			}

			rerr := p.RefreshSession(ctx)
			if rerr != nil {
				return zero, NewError(AuthExpired, op, errors.Join(err, rerr))
			}

			continue
		}

		attempt++
		if attempt >= maxAttempts {
			return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempt, err)
		}

		wait := p.Backoff(attempt - 1)
		if kind == RateLimited {
			wait = p.RateLimitCooldown
		}

		if p.Logger != nil {
			p.Logger.Warn().Msgf("%s: attempt %d/%d failed (%s), retrying in %s: %v",
				op, attempt, maxAttempts, kind, wait, err)
		}

		err = sleep(ctx, wait)
		if err != nil {
			return zero, fmt.Errorf("%s: waiting to retry: %w", op, err)
		}
	}
}
