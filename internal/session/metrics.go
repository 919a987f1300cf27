package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_joins_total",
		Help: "Join attempts by outcome (new, reconnect, room_full, invalid)",
	}, []string{"outcome"})

	metricDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_disconnects_total",
		Help: "Sessions marked inactive",
	})

	metricGhostCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_ghost_cleanups_total",
		Help: "Superseded connections asked to disconnect on reconnect",
	})
)
