package smtpsrv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "sessions_started_total",
		Help:      "Connections that passed the capacity checks and were greeted.",
	})
	sessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "sessions_rejected_total",
		Help:      "Connections rejected before the greeting.",
	}, []string{"reason"})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "active_sessions",
		Help:      "Sessions currently being served.",
	})
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "commands_total",
		Help:      "Commands processed, by verb and reply class.",
	}, []string{"verb", "class"})
	messagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "messages_accepted_total",
		Help:      "Messages that completed DATA/BDAT with a 250 reply.",
	})
	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "smtp",
		Name:      "messages_rejected_total",
		Help:      "Messages rejected after the payload was received.",
	}, []string{"reason"})
)
