package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biomed_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the
	// initial request.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64

	// Jitter is the fraction of randomness applied to each backoff
	// (0.2 means the actual delay is backoff * [0.8, 1.2)).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// ErrRetryExhausted wraps the last failure when all attempts are spent.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// retryWithBackoff runs fn until it succeeds, fails with a
// non-retryable error, or exhausts the attempt budget. Backoff delays
// go through clock so tests can run without real sleeps, and respect
// context cancellation.
func retryWithBackoff(ctx context.Context, clock clockwork.Clock, cfg RetryConfig, logger zerolog.Logger, fn func(attempt int) *Error) *Error {
	// fn must run at least once, whatever the config says.
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.InitialBackoff
	var lastErr *Error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		reqErr := fn(attempt)
		if reqErr == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = reqErr

		if !reqErr.Retryable {
			return reqErr
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(reqErr.Kind)).Inc()

		delay := jittered(backoff, cfg.Jitter)
		logger.Debug().
			Str("error_kind", string(reqErr.Kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return networkError(fmt.Errorf("cancelled during retry backoff: %w", ctx.Err()))
		case <-clock.After(delay):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastErr.Kind)).Inc()
	logger.Warn().
		Str("error_kind", string(lastErr.Kind)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	lastErr.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, errOrNil(lastErr.Err))
	return lastErr
}

// jittered applies ±jitter randomness to d.
func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	factor := 1 - jitter + rand.Float64()*2*jitter
	return time.Duration(float64(d) * factor)
}

func errOrNil(err error) error {
	if err == nil {
		return errors.New("terminal failure")
	}
	return err
}
