package taskrouter

import (
	"sync"

	"github.com/google/uuid"
)

type observerEntry[T any] struct {
	id uuid.UUID
	cb T
}

// observers is an ordered set of callback structs.
type observers[T any] struct {
	mu      sync.RWMutex
	entries []observerEntry[T]
}

// add registers cb and returns a function that removes it. The function is
// safe to call more than once.
func (o *observers[T]) add(cb T) func() {
	id := uuid.New()
	o.mu.Lock()
	o.entries = append(o.entries, observerEntry[T]{id: id, cb: cb})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.entries {
				if e.id == id {
					o.entries = append(o.entries[:i:i], o.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers[T]) snapshot() []T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]T, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.cb
	}
	return out
}
