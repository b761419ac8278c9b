// Package metrics exposes Prometheus instrumentation for the candle cache workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors updated by the builder and rebuilder
type Metrics struct {
	PointsProcessed *prometheus.CounterVec
	PointsSkipped   *prometheus.CounterVec
	CandlesUpserted *prometheus.CounterVec
	StreamErrors    *prometheus.CounterVec
	StreamsSkipped  *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	RebuildRuns     *prometheus.CounterVec
	RebuildDuration prometheus.Histogram
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PointsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "points_processed_total",
			Help:      "Price points aggregated into candles.",
		}, []string{"process"}),
		PointsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "points_skipped_total",
			Help:      "Price points skipped as malformed or out of order.",
		}, []string{"process", "reason"}),
		CandlesUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "candles_upserted_total",
			Help:      "Candle rows written to the store.",
		}, []string{"process"}),
		StreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "stream_errors_total",
			Help:      "Stream runs aborted by an error.",
		}, []string{"process"}),
		StreamsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "builder_streams_skipped_total",
			Help:      "Builder stream runs skipped because the stream was busy.",
		}, []string{"reason"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "candle_cache",
			Name:      "builder_stream_duration_seconds",
			Help:      "Duration of one builder stream run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		RebuildRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candle_cache",
			Name:      "rebuild_runs_total",
			Help:      "Rebuild runs by result.",
		}, []string{"result"}),
		RebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "candle_cache",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of rebuild runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}
