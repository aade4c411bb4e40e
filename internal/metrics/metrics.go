// Package metrics exposes Prometheus counters for the scrape pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chargescope"

var (
	// FetchAttempts counts HTTP fetch attempts by final disposition.
	// Labels: outcome (success, retry, failure).
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "HTTP fetch attempts by outcome.",
	}, []string{"outcome"})

	// Hospitals counts processed hospitals by status row outcome.
	// Labels: status (SUCCESS, FAILURE, SKIPPED).
	Hospitals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hospitals_total",
		Help:      "Hospitals processed by status.",
	}, []string{"status"})

	// Records counts normalized charge rows written, by state.
	Records = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Normalized charge records written.",
	}, []string{"state"})

	// ExtractDuration observes end-to-end per-hospital processing time.
	ExtractDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hospital_duration_seconds",
		Help:      "Per-hospital fetch+extract+normalize duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// BytesFetched totals response body bytes read from hospital servers.
	BytesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_fetched_total",
		Help:      "Response body bytes fetched.",
	})
)

// Serve exposes /metrics on addr until the process exits. Errors are
// returned from ListenAndServe; callers treat them as non-fatal.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
