package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breaker collectors live on the default registry and are labelled by
// upstream target (core, proxy).
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker position per upstream: 0=closed, 1=open, 2=half-open.",
	}, []string{"target"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "breaker",
		Name:      "transition_total",
		Help:      "Breaker state changes per upstream.",
	}, []string{"target", "from", "to"})

	BreakerOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "breaker",
		Name:      "open_total",
		Help:      "Times an upstream breaker opened.",
	}, []string{"target"})
)
