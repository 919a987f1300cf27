package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Open event connections on this instance",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Inbound events by name",
	}, []string{"event"})

	metricHandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_handler_errors_total",
		Help: "Inbound events that ended in an error reply",
	})

	metricSlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_slow_consumers_total",
		Help: "Connections closed because their outbound queue filled up",
	})
)
