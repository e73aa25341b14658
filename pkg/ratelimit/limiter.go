// Package ratelimit enforces a request budget per external dependency and
// retries throttled calls with capped exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"mailpipe-backend/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Policy is the budget for one dependency.
type Policy struct {
	// RequestsPerSecond <= 0 disables the token bucket.
	RequestsPerSecond float64
	Burst             int

	// MaxAttempts counts the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Dependency string
	Attempts   int
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Dependency, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// retryAfterError carries a server supplied wait hint.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string             { return e.err.Error() }
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// WithRetryAfter annotates err with a Retry-After hint honoured by Do.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil || after <= 0 {
		return err
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfter extracts a hint attached with WithRetryAfter.
func RetryAfter(err error) (time.Duration, bool) {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter(), true
	}
	return 0, false
}

type Option func(*Limiter)

// WithRetryable sets the predicate deciding which errors are retried.
func WithRetryable(fn func(error) bool) Option {
	return func(l *Limiter) { l.retryable = fn }
}

// WithJitter replaces the random source; fn must return values in [0,1).
func WithJitter(fn func() float64) Option {
	return func(l *Limiter) { l.jitter = fn }
}

// WithSleep replaces the context-aware sleep, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

// Limiter is safe for concurrent use and is meant to be shared by every run
// talking to the same dependency.
type Limiter struct {
	name      string
	bucket    *rate.Limiter
	policy    Policy
	retryable func(error) bool
	jitter    func() float64
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

func New(name string, policy Policy, logger *zap.Logger, opts ...Option) *Limiter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		name:      name,
		policy:    policy,
		retryable: func(error) bool { return false },
		jitter:    rand.Float64,
		sleep:     sleepContext,
		logger:    logger.With(zap.String("dependency", name)),
	}
	if policy.RequestsPerSecond > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		l.bucket = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Name() string { return l.name }

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.bucket == nil {
		return ctx.Err()
	}
	return l.bucket.Wait(ctx)
}

// Backoff returns the wait before retry number attempt (0-based):
// min(MaxDelay, BaseDelay*2^attempt), jittered into [d/2, d).
func (l *Limiter) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(l.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(l.policy.MaxDelay) {
		d = float64(l.policy.MaxDelay)
	}
	half := d / 2
	return time.Duration(half + l.jitter()*half)
}

// Do calls fn under the token bucket and retries retryable failures up to
// MaxAttempts. Non-retryable errors are returned unchanged.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < l.policy.MaxAttempts; attempt++ {
		if err := l.Wait(ctx); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (waiting for %s token: %v)", lastErr, l.name, err)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !l.retryable(err) {
			return err
		}
		if attempt == l.policy.MaxAttempts-1 {
			break
		}

		wait := l.Backoff(attempt)
		if hint, ok := RetryAfter(err); ok && hint > 0 {
			wait = hint
			if wait > l.policy.MaxDelay {
				wait = l.policy.MaxDelay
			}
		}
		metrics.RecordRetry(l.name)
		l.logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w (backoff interrupted: %v)", lastErr, err)
		}
	}

	metrics.RecordExhausted(l.name)
	l.logger.Warn("retry budget exhausted",
		zap.Int("attempts", l.policy.MaxAttempts),
		zap.Error(lastErr))
	return &ExhaustedError{Dependency: l.name, Attempts: l.policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
