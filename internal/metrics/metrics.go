// Package metrics exposes Prometheus collectors for the scan engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarabot_scans_total",
			Help: "Total number of scan jobs finished, labeled by terminal status.",
		},
		[]string{"status"},
	)

	domainsScannedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tarabot_domains_scanned_total",
			Help: "Total number of domains processed across all scans.",
		},
	)

	resultsFoundTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tarabot_results_found_total",
			Help: "Total number of content matches recorded.",
		},
	)

	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarabot_fetch_requests_total",
			Help: "Total number of URL fetch attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tarabot_fetch_retries_total",
			Help: "Total number of per-URL retry attempts.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tarabot_active_workers",
			Help: "Number of workers currently processing a scan job.",
		},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tarabot_queue_jobs",
			Help: "Number of queue jobs by state.",
		},
		[]string{"state"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan increments the scan counter for the given terminal status.
func ObserveScan(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveDomains adds to the processed-domain counter.
func ObserveDomains(n int) {
	if n > 0 {
		domainsScannedTotal.Add(float64(n))
	}
}

// ObserveResults adds to the matched-result counter.
func ObserveResults(n int) {
	if n > 0 {
		resultsFoundTotal.Add(float64(n))
	}
}

// ObserveFetch increments the fetch counter for an outcome.
func ObserveFetch(outcome string) {
	fetchRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchRetry increments the retry counter.
func ObserveFetchRetry() {
	fetchRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetQueueJobs records the job count for a queue state.
func SetQueueJobs(state string, n int) {
	queueJobs.WithLabelValues(state).Set(float64(n))
}
