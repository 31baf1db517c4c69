package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kestrel",
	Subsystem: "relay",
	Name:      "delivery_attempts_total",
	Help:      "Per-recipient delivery attempts, by result.",
}, []string{"result"})
