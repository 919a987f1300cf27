package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_active",
		Help: "Client connections held by this instance",
	})

	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_deliveries_total",
		Help: "Events written to local connections by envelope kind",
	}, []string{"kind"})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_evictions_total",
		Help: "Superseded connections closed on this instance",
	})
)
