package quality

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quality_samples_total",
		Help: "Audio metric samples ingested",
	})

	metricWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quality_warnings_total",
		Help: "Recording warnings raised, by type",
	}, []string{"type"})

	gaugeAggregates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quality_aggregates_active",
		Help: "Live metric aggregates held in memory",
	})
)
