package signaling

import (
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the client-side silence threshold.
const DefaultHeartbeatInterval = 30 * time.Second

// MonitorCallbacks are invoked by a Monitor. Either may be nil.
type MonitorCallbacks struct {
	// OnSleep fires once when no beat was seen for a full interval.
	OnSleep func()

	// OnWakeup fires when a beat arms an idle monitor.
	OnWakeup func()
}

// Monitor is a restartable dead-man's switch.
//
// Beat resets the idle timer. While armed, a check runs every interval and
// compares the time since the last beat against the interval; once the
// interval has fully elapsed OnSleep fires exactly once and the monitor
// disarms until the next Beat. Callbacks run on timer goroutines, never
// while the monitor's lock is held.
type Monitor struct {
	mu       sync.Mutex
	interval time.Duration
	cb       MonitorCallbacks
	now      func() time.Time

	lastBeat time.Time
	armed    bool
	timer    *time.Timer
	gen      uint64
}

// NewMonitor creates an idle monitor. A non-positive interval uses
// DefaultHeartbeatInterval.
func NewMonitor(interval time.Duration, cb MonitorCallbacks) *Monitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Monitor{
		interval: interval,
		cb:       cb,
		now:      time.Now,
	}
}

// Interval returns the silence threshold.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Armed reports whether a check is scheduled.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// LastBeat returns the time of the most recent Beat.
func (m *Monitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// Beat records activity, arming the monitor if it was idle.
func (m *Monitor) Beat() {
	m.mu.Lock()
	m.lastBeat = m.now()
	wakeup := false
	if !m.armed {
		m.armed = true
		m.gen++
		m.scheduleLocked(m.gen)
		wakeup = true
	}
	onWakeup := m.cb.OnWakeup
	m.mu.Unlock()

	if wakeup && onWakeup != nil {
		onWakeup()
	}
}

// Stop disarms the monitor. No OnSleep fires for checks scheduled before
// Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) scheduleLocked(gen uint64) {
	m.timer = time.AfterFunc(m.interval, func() {
		m.check(gen)
	})
}

func (m *Monitor) check(gen uint64) {
	m.mu.Lock()
	if !m.armed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	if m.now().Sub(m.lastBeat) < m.interval {
		m.scheduleLocked(gen)
		m.mu.Unlock()
		return
	}

	m.armed = false
	m.timer = nil
	m.gen++
	onSleep := m.cb.OnSleep
	m.mu.Unlock()

	if onSleep != nil {
		onSleep()
	}
}
