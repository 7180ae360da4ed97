package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_passthrough_total",
		Help: "Total requests passed to the network without interception",
	}, []string{"reason"}) // "cross-origin", "method", "streaming", "range", "inactive"

	layerInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intercept_layer_transitions_total",
		Help: "Total lifecycle transitions of the interception layer",
	}, []string{"state"})
)
