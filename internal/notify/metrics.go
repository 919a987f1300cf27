package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_results_total",
	Help: "Classification results relayed to rooms, by status",
}, []string{"status"})
