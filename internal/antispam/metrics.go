package antispam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "antispam",
		Name:      "evaluations_total",
		Help:      "Pipeline evaluations, by resulting action.",
	}, []string{"action"})
	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "antispam",
		Name:      "check_duration_seconds",
		Help:      "Wall time of individual checker runs.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15},
	}, []string{"check"})
)
