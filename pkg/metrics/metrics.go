// Package metrics provides the centralized Prometheus registry reference
// for the collection pipeline. Metrics themselves are defined in their
// owning packages (driver, fetch, ratelimit, store) to maintain
// modularity and avoid circular dependencies.
//
// This package documents all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Driver Metrics (pkg/driver):
//   - harvest_pages_total{result} (Counter): Pages processed by result (ok, empty, no_progress)
//   - harvest_sessions_total{outcome} (Counter): Finished sessions by outcome
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Pages that exhausted max retries
//
// Fetch Metrics (pkg/fetch):
//   - harvest_fetch_requests_total{status} (Counter): Fetch requests by HTTP status
//   - harvest_fetch_request_duration_seconds (Histogram): Fetch request duration
//   - harvest_fetch_errors_total{class} (Counter): Fetch errors by class
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_rate_limit_remaining{source} (Gauge): Remaining request budget per source
//   - harvest_rate_limit_blocks_total{source} (Counter): Requests blocked on critical budget
//   - harvest_rate_limit_throttles_total{source} (Counter): Requests throttled on low budget
//
// Store Metrics (pkg/store):
//   - harvest_records_inserted_total (Counter): Records newly inserted by the writer
//   - harvest_records_duplicate_total{policy} (Counter): Duplicate records deduplicated
//   - harvest_store_errors_total{operation} (Counter): Store operation errors
//   - harvest_checkpoint_commits_total (Counter): Committed checkpoints
//
// Example Prometheus Queries:
//
//   # Dedup Rate
//   sum(rate(harvest_records_duplicate_total[5m])) /
//   (sum(rate(harvest_records_inserted_total[5m])) + sum(rate(harvest_records_duplicate_total[5m])))
//
//   # Budget Status
//   harvest_rate_limit_remaining < 20
//
//   # Retry Pressure
//   rate(harvest_retries_total[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(harvest_fetch_request_duration_seconds_bucket[5m]))
