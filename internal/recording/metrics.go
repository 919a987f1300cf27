package recording

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "recording_transitions_total",
	Help: "Recording start/stop attempts and whether they changed state",
}, []string{"op", "applied"})
