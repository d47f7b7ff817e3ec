// Package metrics documents the Prometheus metrics of geoingest and pushes
// them to a Pushgateway at the end of a batch run.
// All metrics are defined in their respective packages (client, ratelimit,
// ledger, sink, fetcher) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source pushed by Push when none is given.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - geoingest_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - geoingest_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - geoingest_request_errors_total{class} (Counter): Failed requests by error class
//
// Retry Metrics (pkg/client):
//   - geoingest_retries_total{error_class} (Counter): Retries by error class
//   - geoingest_retry_backoff_seconds{error_class} (Histogram): Delay before a retry
//   - geoingest_retry_exhausted_total{error_class} (Counter): Operations that exhausted their retries
//
// Pacing Metrics (pkg/ratelimit):
//   - geoingest_pacer_waits_total (Counter): Requests delayed by the inter-request interval
//   - geoingest_pacer_wait_seconds (Histogram): Time spent waiting
//
// Unit Metrics (pkg/fetcher):
//   - geoingest_units_total{dataset, state} (Counter): Units by terminal state
//   - geoingest_unit_records_total{dataset} (Counter): Records handed to the sink
//   - geoingest_unit_duration_seconds{dataset} (Histogram): Fetch and store time per unit
//
// Ledger Metrics (pkg/ledger):
//   - geoingest_ledger_entries_loaded (Gauge): Entries read at job start
//   - geoingest_ledger_appends_total{endpoint} (Counter): Entries appended
//
// Sink Metrics (pkg/sink):
//   - geoingest_sink_batches_total{sink, dataset} (Counter)
//   - geoingest_sink_records_total{sink, dataset} (Counter)
//   - geoingest_sink_errors_total{sink, dataset} (Counter)
//
// Example Prometheus Queries:
//
//   # Units that failed in the last run
//   geoingest_units_total{state="FAILED"}
//
//   # Throttle share of retries
//   sum(geoingest_retries_total{error_class="throttled"}) / sum(geoingest_retries_total)
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(geoingest_request_duration_seconds_bucket[5m]))

// Push sends every metric of g (Gatherer when nil) to the Pushgateway at url
// under job, grouped by run_id. It replaces earlier pushes of the same group.
func Push(ctx context.Context, url, job, runID string, g prometheus.Gatherer) error {
	if g == nil {
		g = Gatherer
	}
	p := push.New(url, job).Gatherer(g)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
