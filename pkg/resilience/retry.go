package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Retry runs fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing, jittered backoff between attempts. The context is consulted both
// before each attempt and during the backoff sleep, so a cancelled caller
// never waits out a full backoff window.
func Retry(ctx context.Context, cfg RetryConfig, fn Executor) error {
	cfg = cfg.withDefaults()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.RetryIf(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return err != nil }
	}
	return cfg
}

// jittered spreads d by ±(jitter fraction); jitter = 1.0 yields a uniform
// draw over (0, 2d), which decorrelates a stampede of concurrent retriers.
func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1.0 + (rand.Float64()*2-1)*jitter))
}

// RetryWithCircuitBreaker runs fn under both policies: every attempt passes
// through the breaker, so an open circuit fast-fails the remaining attempts.
func RetryWithCircuitBreaker(ctx context.Context, cb *CircuitBreaker, retryCfg RetryConfig, fn Executor) error {
	return Retry(ctx, retryCfg, func(ctx context.Context) error {
		return cb.Execute(ctx, fn)
	})
}

// ExponentialBackoff computes base * 2^attempt with jitter, capped at max.
func ExponentialBackoff(attempt int, base time.Duration, max time.Duration, jitter float64) time.Duration {
	backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	backoff = jittered(backoff, jitter)
	if backoff > max {
		return max
	}
	return backoff
}

// WithTimeout bounds a single execution of fn with its own deadline.
func WithTimeout(timeout time.Duration, fn Executor) Executor {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}
}
