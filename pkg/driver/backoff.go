package driver

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/convoharvest/convoharvest/pkg/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
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
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// fetchWithRetry fetches one page, retrying transient failures with
// exponential backoff and jitter. A rate-limited page counts as a
// transient failure. Fatal error classes are returned immediately.
// Exhausting the attempt budget returns ErrRetriesExhausted.
func (d *Driver) fetchWithRetry(ctx context.Context, logger zerolog.Logger, cursor string) (*fetch.Page, error) {
	var lastErr error
	var lastClass fetch.ErrorClass
	backoff := d.config.BackoffBase

	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		page, err := d.fetcher.FetchPage(ctx, cursor)

		var errClass fetch.ErrorClass
		switch {
		case err == nil && !page.RateLimited:
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Str("cursor", cursor).
					Msg("Fetch succeeded after retry")
			}
			return page, nil
		case err == nil:
			// Rate-limited page: back off and retry the same cursor.
			errClass = fetch.ClassRateLimit
			lastErr = fmt.Errorf("source rate limited at cursor %q", cursor)
		default:
			errClass = fetch.ClassOf(err)
			lastErr = err
			if !fetch.Retryable(errClass) {
				return nil, lastErr
			}
		}
		lastClass = errClass

		if attempt >= d.config.MaxRetries {
			break
		}

		retriesTotal.WithLabelValues(string(errClass)).Inc()

		// ±20% jitter to avoid synchronized retries across sessions.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(errClass)).Observe(jitter.Seconds())

		logger.Debug().
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying page after backoff")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("error_class", string(errClass)).
				Int("attempt", attempt).
				Msg("Cancelled during retry backoff")
			return nil, ctx.Err()
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * d.config.BackoffMultiplier)
		if backoff > d.config.BackoffMax {
			backoff = d.config.BackoffMax
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", d.config.MaxRetries).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, d.config.MaxRetries, lastErr)
}
