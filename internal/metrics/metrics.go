// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal            *prometheus.CounterVec
	scrapeDurationSeconds *prometheus.HistogramVec
	recordsUpsertedTotal  *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	throttleDeniesTotal   *prometheus.CounterVec
	deadLettersTotal      *prometheus.CounterVec
	seededItemsTotal      *prometheus.CounterVec
	inflightMessages      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_items_total",
				Help: "Total work items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_scrape_duration_seconds",
				Help:    "Histogram of collaborator call latencies, labeled by source.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"source"},
		)

		recordsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_records_upserted_total",
				Help: "Total scraped records written, labeled by source.",
			},
			[]string{"source"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		throttleDeniesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_throttle_denies_total",
				Help: "Total acquisitions denied by a durable throttle, labeled by source.",
			},
			[]string{"source"},
		)

		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dead_letters_total",
				Help: "Total dead-letter entries written, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		seededItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_seeded_items_total",
				Help: "Total work items handled by the seeder, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		inflightMessages = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_inflight_messages",
				Help: "Messages currently being processed by this consumer.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item counter for the given outcome.
func ObserveItem(source, outcome string) {
	itemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveScrape records a collaborator call duration.
func ObserveScrape(source string, duration time.Duration) {
	scrapeDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRecordsUpserted adds to the records counter.
func ObserveRecordsUpserted(source string, n int) {
	if n > 0 {
		recordsUpsertedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveThrottleDeny increments the throttle denial counter.
func ObserveThrottleDeny(source string) {
	throttleDeniesTotal.WithLabelValues(source).Inc()
}

// ObserveDeadLetter increments the dead-letter counter.
func ObserveDeadLetter(source, reason string) {
	deadLettersTotal.WithLabelValues(source, reason).Inc()
}

// ObserveSeeded increments the seeder counter for the given disposition.
func ObserveSeeded(disposition string) {
	seededItemsTotal.WithLabelValues(disposition).Inc()
}

// IncInflight increments the in-flight message gauge.
func IncInflight() {
	inflightMessages.Inc()
}

// DecInflight decrements the in-flight message gauge.
func DecInflight() {
	inflightMessages.Dec()
}
