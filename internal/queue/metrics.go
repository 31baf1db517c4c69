package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Queue operations performed.",
	}, []string{"op"})
	entriesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "queue",
		Name:      "entries_finished_total",
		Help:      "Entries that reached a terminal status.",
	}, []string{"status"})
)
