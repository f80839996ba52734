package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hailmatch"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// matching pipeline.
type Metrics struct {
	// Stage metrics.
	StageRuns     *prometheus.CounterVec   // labels: stage, outcome={completed,skipped,failed}
	StageRows     *prometheus.GaugeVec     // labels: stage; rows written by the last run of the stage
	StageDuration *prometheus.HistogramVec // labels: stage
	MalformedRows prometheus.Counter
	RunState      *prometheus.GaugeVec // labels: state; 1 for the current state

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: provider, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec
	GeocodeFailures    prometheus.Counter // events left without a place after all retries

	// Matching metrics.
	MatchesProduced   prometheus.Counter
	PropertiesMatched prometheus.Gauge
	MatchComparisons  prometheus.Counter

	// Publishing metrics.
	MessagesPublished prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.StageRuns,
		m.StageRows,
		m.StageDuration,
		m.MalformedRows,
		m.RunState,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeFailures,
		m.MatchesProduced,
		m.PropertiesMatched,
		m.MatchComparisons,
		m.MessagesPublished,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Pipeline stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		StageRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_rows",
			Help:      "Rows written by the most recent run of each stage.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a completed stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),
		MalformedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_rows_total",
			Help:      "Input rows skipped as malformed.",
		}),
		RunState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "1 for the pipeline's current state, 0 otherwise.",
		}, []string{"state"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Reverse geocoding request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		GeocodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_failures_total",
			Help:      "Events left without a place after exhausting retries.",
		}),
		MatchesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Property/event matches produced.",
		}),
		PropertiesMatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "properties_matched",
			Help:      "Properties with at least one match in the last matching run.",
		}),
		MatchComparisons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_comparisons_total",
			Help:      "Exact property/event distance evaluations.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Matched-property messages written to Kafka.",
		}),
	}
}
