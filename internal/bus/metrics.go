package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bus_envelopes_total",
	Help: "Fan-out envelopes published (out) and received (in)",
}, []string{"direction"})
