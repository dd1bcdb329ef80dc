// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline. Recording is fire-and-forget: nothing in the pipeline depends
// on a metric call succeeding.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AIRequestsTotal counts calls that actually reached the AI provider,
	// by outcome. Cache hits never increment this.
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_ai_requests_total",
			Help: "AI provider requests by outcome",
		},
		[]string{"outcome"},
	)

	// AITokensTotal counts tokens billed by the AI provider.
	AITokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_ai_tokens_total",
			Help: "Tokens consumed by AI extraction calls",
		},
		[]string{"direction"},
	)

	// AICostUSDTotal accumulates the estimated provider spend.
	AICostUSDTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rentfeed_ai_cost_usd_total",
			Help: "Estimated cumulative AI provider cost in USD",
		},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	GeocodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_geocode_requests_total",
			Help: "Geocoding provider requests by outcome",
		},
		[]string{"outcome"},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_jobs_processed_total",
			Help: "Parse jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentfeed_job_duration_seconds",
			Help:    "Duration of job handler execution",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	ListingsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentfeed_listings_upserted_total",
			Help: "Listings written by action (create or update)",
		},
		[]string{"action"},
	)
)

func RecordAICall(outcome string, tokensIn, tokensOut int, costUSD float64) {
	AIRequestsTotal.WithLabelValues(outcome).Inc()
	if tokensIn > 0 {
		AITokensTotal.WithLabelValues("in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		AITokensTotal.WithLabelValues("out").Add(float64(tokensOut))
	}
	if costUSD > 0 {
		AICostUSDTotal.Add(costUSD)
	}
}

func RecordCacheHit(cache string)  { CacheHitsTotal.WithLabelValues(cache).Inc() }
func RecordCacheMiss(cache string) { CacheMissesTotal.WithLabelValues(cache).Inc() }

func RecordGeocode(outcome string) {
	GeocodeRequestsTotal.WithLabelValues(outcome).Inc()
}

func RecordJob(jobType, outcome string, d time.Duration) {
	JobsProcessedTotal.WithLabelValues(jobType, outcome).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func RecordListingUpsert(created bool) {
	action := "update"
	if created {
		action = "create"
	}
	ListingsUpsertedTotal.WithLabelValues(action).Inc()
}
