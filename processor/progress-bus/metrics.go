package progressbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// busMetrics exposes connection and forwarding counters.
type busMetrics struct {
	connections     prometheus.Gauge
	eventsForwarded prometheus.Counter
	eventsDropped   prometheus.Counter
	confirmations   prometheus.Counter
	cancels         prometheus.Counter
	clientErrors    prometheus.Counter
}

func newBusMetrics() *busMetrics {
	return &busMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "connections",
			Help:      "Current WebSocket connections.",
		}),
		eventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "events_forwarded_total",
			Help:      "Events delivered to connected sessions.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "events_dropped_total",
			Help:      "Events with no connected session for their user.",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "confirmations_total",
			Help:      "Confirmation answers recorded from clients.",
		}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "cancels_total",
			Help:      "Cancel requests recorded from clients.",
		}),
		clientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "progress_bus",
			Name:      "client_errors_total",
			Help:      "Malformed or unknown client frames.",
		}),
	}
}

// register adds the collectors to the default registry. Collectors that
// survive a component restart are reused.
func (m *busMetrics) register() {
	for _, collector := range []prometheus.Collector{
		m.connections, m.eventsForwarded, m.eventsDropped,
		m.confirmations, m.cancels, m.clientErrors,
	} {
		if err := prometheus.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
