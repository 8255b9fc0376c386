// Package metrics serves the Prometheus scrape endpoint. Metrics are declared
// with promauto on the default registry next to the code that updates them
// (client, quota, fetcher, gate, store, publisher, pipeline, scheduler); this
// package documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Upstream client (pkg/client, pkg/quota):
//   - cpi_upstream_requests_total{endpoint, status} (Counter)
//   - cpi_upstream_request_duration_seconds{endpoint} (Histogram)
//   - cpi_upstream_errors_total{class} (Counter)
//   - cpi_upstream_retries_total{error_class} (Counter)
//   - cpi_upstream_retry_backoff_seconds{error_class} (Histogram)
//   - cpi_upstream_retry_exhausted_total{error_class} (Counter)
//   - cpi_upstream_quota_calls_used (Gauge): calls issued in the current UTC day
//   - cpi_upstream_quota_blocks_total (Counter)
//   - cpi_upstream_quota_warnings_total (Counter)
//
// Fetch and publication detection (pkg/fetcher, pkg/gate):
//   - cpi_fetch_chunks_total{outcome} (Counter): ok, empty, error
//   - cpi_fetch_duration_seconds (Histogram)
//   - cpi_fetch_observations_total (Counter)
//   - cpi_gate_attempts_total{outcome} (Counter): published, pending, error
//   - cpi_gate_wait_seconds (Histogram)
//   - cpi_gate_timeouts_total (Counter)
//
// Storage and publishing (pkg/store, pkg/publisher):
//   - cpi_store_rows_written_total{backend} (Counter)
//   - cpi_store_errors_total{backend, operation} (Counter)
//   - cpi_store_stale_writes_total{backend} (Counter)
//   - cpi_publish_total{outcome} (Counter): written, up_to_date, no_rows, error
//   - cpi_publish_rows_total (Counter)
//
// Cycles (pkg/pipeline, pkg/scheduler):
//   - cpi_cycle_runs_total{family, outcome} (Counter)
//   - cpi_cycle_duration_seconds{family} (Histogram)
//   - cpi_cycle_last_success_timestamp_seconds{family} (Gauge)
//   - cpi_scheduler_skipped_runs_total{family} (Counter)
//
// Example Prometheus Queries:
//
//   # Families that have not succeeded for 40 days
//   time() - cpi_cycle_last_success_timestamp_seconds > 40 * 86400
//
//   # Share of polls that found the target still unpublished
//   sum(rate(cpi_gate_attempts_total{outcome="pending"}[1d])) /
//   sum(rate(cpi_gate_attempts_total[1d]))
//
//   # Remaining daily quota headroom
//   500 - cpi_upstream_quota_calls_used
