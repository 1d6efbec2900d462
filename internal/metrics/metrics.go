package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_started_total",
			Help: "Sessions created, by game kind",
		},
		[]string{"kind"},
	)
	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_finished_total",
			Help: "Sessions that reached a terminal outcome",
		},
		[]string{"kind", "outcome"},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently in the active state",
		},
	)
	MovesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moves_rejected_total",
			Help: "Player actions rejected by validation",
		},
		[]string{"reason"},
	)
	CollaboratorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_failures_total",
			Help: "Failed best-effort callouts after a session finished",
		},
		[]string{"collaborator"},
	)
	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchmaking_queue_size",
			Help: "Players currently waiting for an opponent",
		},
	)
	Matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaking_matches_total",
			Help: "Pairs produced by the matchmaking queue",
		},
		[]string{"mode"},
	)
	QueueExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchmaking_expired_total",
			Help: "Queue entries dropped after waiting too long",
		},
	)
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Registered websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionsFinished)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(MovesRejected)
	prometheus.MustRegister(CollaboratorFailures)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(Matches)
	prometheus.MustRegister(QueueExpired)
	prometheus.MustRegister(Connections)
}
