package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "telemetry_events_dropped_total",
	Help: "Telemetry events dropped because the publish queue was full.",
})

func observeDropped() { droppedTotal.Inc() }
