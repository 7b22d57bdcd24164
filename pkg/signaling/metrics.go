package signaling

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the channel's Prometheus collectors.
type Metrics struct {
	framesReceived    prometheus.Counter
	malformedFrames   prometheus.Counter
	reconnectAttempts prometheus.Counter
	heartbeatSleeps   prometheus.Counter
	tokenExpirations  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not
// nil. Collectors already registered by another channel are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "signaling",
			Name:      "frames_received_total",
			Help:      "Total number of frames read from the event bridge",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "signaling",
			Name:      "malformed_frames_total",
			Help:      "Total number of frames that were not valid JSON",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "signaling",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		heartbeatSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "signaling",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of heartbeat silence episodes",
		}),
		tokenExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "signaling",
			Name:      "token_expirations_total",
			Help:      "Total number of token expiry notifications",
		}),
	}

	if reg != nil {
		m.framesReceived = register(reg, m.framesReceived)
		m.malformedFrames = register(reg, m.malformedFrames)
		m.reconnectAttempts = register(reg, m.reconnectAttempts)
		m.heartbeatSleeps = register(reg, m.heartbeatSleeps)
		m.tokenExpirations = register(reg, m.tokenExpirations)
	}
	return m
}

func register(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
