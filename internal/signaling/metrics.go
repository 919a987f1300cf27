package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "signaling_relayed_total",
	Help: "Signaling messages forwarded, by type",
}, []string{"type"})
