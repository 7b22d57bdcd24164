package signaling

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// MinReconnectDelay is the floor of every reconnect delay.
	MinReconnectDelay = 800 * time.Millisecond

	// MaxReconnectDelay caps the upper bound of the jitter window.
	MaxReconnectDelay = 30 * time.Second
)

// Policy computes full-jitter reconnect delays.
//
// The delay for attempt n is drawn uniformly from
// [MinReconnectDelay, min(MaxReconnectDelay, (2^n - 1) seconds)] with
// millisecond granularity. Policy is safe for concurrent use.
//
// Policy also implements backoff.BackOff so the same schedule can drive
// backoff.Retry; in that mode it keeps its own attempt counter.
type Policy struct {
	mu      sync.Mutex
	rng     *rand.Rand
	attempt int
}

var _ backoff.BackOff = (*Policy)(nil)

// NewPolicy creates a policy drawing from src. A nil source is seeded from
// the wall clock; pass a fixed source for deterministic tests.
func NewPolicy(src rand.Source) *Policy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Policy{rng: rand.New(src)}
}

// UpperBound returns the top of the jitter window for attempt. Attempts
// below 1 are treated as 1.
func UpperBound(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^5 - 1 seconds already exceeds the cap; stop shifting before overflow.
	if attempt >= 5 {
		return MaxReconnectDelay
	}
	upper := time.Duration((1<<uint(attempt))-1) * time.Second
	if upper > MaxReconnectDelay {
		return MaxReconnectDelay
	}
	return upper
}

// Delay returns a random delay for the given attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	upper := UpperBound(attempt)
	if upper <= MinReconnectDelay {
		return MinReconnectDelay
	}

	spanMs := (upper - MinReconnectDelay).Milliseconds()

	p.mu.Lock()
	n := p.rng.Int63n(spanMs + 1)
	p.mu.Unlock()

	return MinReconnectDelay + time.Duration(n)*time.Millisecond
}

// NextBackOff advances the internal attempt counter and returns its delay.
func (p *Policy) NextBackOff() time.Duration {
	p.mu.Lock()
	p.attempt++
	attempt := p.attempt
	p.mu.Unlock()
	return p.Delay(attempt)
}

// Reset rewinds the internal attempt counter.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}
