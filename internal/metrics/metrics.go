// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_sessions_active",
		Help: "Sessions created and not yet completed",
	})

	SegmentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_segments_ingested_total",
		Help: "Recording segments appended across all sessions",
	})

	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_analysis_duration_seconds",
		Help:    "Analysis latency by kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 15.0},
	}, []string{"kind"})

	AnalysisFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_analysis_fallbacks_total",
		Help: "Analyses served by the heuristic fallback, by kind",
	}, []string{"kind"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_provider_errors_total",
		Help: "Provider call failures by kind",
	}, []string{"kind"})

	RetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_retrieval_duration_seconds",
		Help:    "Knowledge retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 1.5},
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_analysis_cache_hits_total",
		Help: "Quick analyses served from cache",
	})

	SafetyEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_safety_escalations_total",
		Help: "Safety level transitions applied, by new level",
	}, []string{"level"})

	TokensMetered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tokens_metered_total",
		Help: "Tokens folded into session usage, by direction",
	}, []string{"direction"})

	CreditsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_credits_settled_total",
		Help: "Credits deducted at session completion",
	})
)
