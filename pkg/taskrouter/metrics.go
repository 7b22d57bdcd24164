package taskrouter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	eventsDispatched *prometheus.CounterVec
	lookupMisses     *prometheus.CounterVec
	eventErrors      *prometheus.CounterVec
	unknownEvents    prometheus.Counter
	syncs            *prometheus.CounterVec
	reservations     prometheus.Gauge
	purges           prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not
// nil. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "events_dispatched_total",
			Help:      "Total number of events applied, by event type",
		}, []string{"event"}),
		lookupMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "event_lookup_misses_total",
			Help:      "Total number of events skipped because the target entity was not found",
		}, []string{"event"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "event_errors_total",
			Help:      "Total number of events rejected for contract violations",
		}, []string{"event"}),
		unknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "unknown_events_total",
			Help:      "Total number of events with an unrecognized type",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "syncs_total",
			Help:      "Total number of full state refreshes, by result",
		}, []string{"result"}),
		reservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "reservations",
			Help:      "Number of visible reservations",
		}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "worker",
			Name:      "reservation_purges_total",
			Help:      "Total number of soft-deleted reservations removed from memory",
		}),
	}

	if reg != nil {
		m.eventsDispatched = registerCollector(reg, m.eventsDispatched)
		m.lookupMisses = registerCollector(reg, m.lookupMisses)
		m.eventErrors = registerCollector(reg, m.eventErrors)
		m.unknownEvents = registerCollector(reg, m.unknownEvents)
		m.syncs = registerCollector(reg, m.syncs)
		m.reservations = registerCollector(reg, m.reservations)
		m.purges = registerCollector(reg, m.purges)
	}
	return m
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
