package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 120},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of requests that exhausted their retries by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the retry policy of the transport.
type RetryConfig struct {
	// Total is the number of retries after the first attempt.
	Total int

	// BackoffFactor scales the delay: BackoffFactor * 2^(retry-1) seconds.
	BackoffFactor float64

	// MaxBackoff caps a single delay.
	MaxBackoff time.Duration

	// StatusForcelist lists the response codes that are retried.
	StatusForcelist []int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Total:           5,
		BackoffFactor:   1,
		MaxBackoff:      120 * time.Second,
		StatusForcelist: []int{429, 500, 502, 503, 504},
	}
}

// MaxAttempts returns the total number of attempts including the first one.
func (r RetryConfig) MaxAttempts() int {
	if r.Total < 0 {
		return 1
	}
	return r.Total + 1
}

// Backoff returns the delay before retry number n (n starts at 1).
func (r RetryConfig) Backoff(n int) time.Duration {
	if n < 1 || r.BackoffFactor <= 0 {
		return 0
	}

	seconds := r.BackoffFactor * math.Pow(2, float64(n-1))
	d := time.Duration(seconds * float64(time.Second))
	if r.MaxBackoff > 0 && (d > r.MaxBackoff || d < 0) {
		return r.MaxBackoff
	}
	return d
}

// Retryable reports whether a response status should be retried.
func (r RetryConfig) Retryable(status int) bool {
	for _, code := range r.StatusForcelist {
		if code == status {
			return true
		}
	}
	return false
}

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// error, or the attempt budget is spent. Network errors are always retryable;
// status errors only when their code is in the forcelist.
func (c *Client) retryWithBackoff(ctx context.Context, endpoint string, fn func(attempt int) error) error {
	policy := c.config.Retry
	maxAttempts := policy.MaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				c.logger.Debug().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		lastErr = err
		class := classifyError(err)

		var se *StatusError
		if errors.As(err, &se) && !policy.Retryable(se.StatusCode) {
			return err
		}

		if attempt >= maxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		delay := policy.Backoff(attempt)
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		c.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	class := classifyError(lastErr)
	retryExhaustedTotal.WithLabelValues(string(class)).Inc()

	return &TransientError{
		Endpoint:   endpoint,
		Attempts:   maxAttempts,
		ErrorClass: class,
		Err:        lastErr,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
