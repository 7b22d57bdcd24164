package signaling

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Listener receives channel notifications. Any field may be nil. All
// callbacks run on the channel's dispatcher goroutine, one at a time, in the
// order the underlying occurrences happened.
type Listener struct {
	// OnConnected is called each time a connection opens.
	OnConnected func()

	// OnDisconnected is called when the session drops or is closed.
	OnDisconnected func(reason string)

	// OnError is called for transport failures and malformed frames.
	OnError func(err error)

	// OnTokenExpired is called when the token lifetime, minus the expiry
	// buffer, elapses. The channel stops reconnecting until UpdateToken.
	OnTokenExpired func()

	// OnEvent is called for each decoded application event.
	OnEvent func(eventType string, payload json.RawMessage)
}

// Subscription is a handle to a registered Listener.
type Subscription struct {
	id   uuid.UUID
	reg  *registry
	once sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id.String()
}

// Unsubscribe removes the listener. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.reg.remove(s.id)
	})
}

type registration struct {
	id       uuid.UUID
	listener Listener
}

// registry keeps listeners in subscription order.
type registry struct {
	mu      sync.RWMutex
	entries []registration
}

func (r *registry) add(l Listener) *Subscription {
	id := uuid.New()
	r.mu.Lock()
	r.entries = append(r.entries, registration{id: id, listener: l})
	r.mu.Unlock()
	return &Subscription{id: id, reg: r}
}

func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.listener
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) eventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.listener.OnEvent != nil {
			n++
		}
	}
	return n
}
