package taskrouter

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

// ProtocolHandler checks inbound events against the event bridge contract
// and accounts for event types this client does not know.
type ProtocolHandler struct {
	mu                    sync.RWMutex
	logger                logging.Logger
	unknownEventCount     int64
	unsupportedEventTypes map[string]int64
	strictMode            bool // If true, unknown event types are errors
}

// NewProtocolHandler creates a new protocol handler
func NewProtocolHandler(logger logging.Logger) *ProtocolHandler {
	return &ProtocolHandler{
		logger:                logger,
		unsupportedEventTypes: make(map[string]int64),
	}
}

// ValidateEvent checks that the payload carries the identifying fields of
// kind as non-empty strings.
func (p *ProtocolHandler) ValidateEvent(kind EventKind, payload json.RawMessage) error {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return &EventError{Event: kind.String(), Err: ErrInvalidPayload}
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return &EventError{Event: kind.String(), Err: fmt.Errorf("payload is not an object: %w", ErrInvalidPayload)}
	}
	for _, field := range kind.requiredFields() {
		v := parsed.Get(field)
		if !v.Exists() || v.Type != gjson.String || v.Str == "" {
			return &EventError{Event: kind.String(), Field: field, Err: ErrMissingField}
		}
	}
	return nil
}

// HandleUnknownEvent records an unrecognized event type.
func (p *ProtocolHandler) HandleUnknownEvent(eventType string, payload json.RawMessage) error {
	atomic.AddInt64(&p.unknownEventCount, 1)

	p.mu.Lock()
	p.unsupportedEventTypes[eventType]++
	count := p.unsupportedEventTypes[eventType]
	strictMode := p.strictMode
	p.mu.Unlock()

	p.logger.Warn("received unknown event type",
		"type", eventType,
		"dataSize", len(payload),
		"occurrences", count,
		"totalUnknown", atomic.LoadInt64(&p.unknownEventCount),
	)

	if strictMode {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	return nil
}

// UnknownEventCount returns the count of unknown events received
func (p *ProtocolHandler) UnknownEventCount() int64 {
	return atomic.LoadInt64(&p.unknownEventCount)
}

// UnsupportedEventTypes returns a copy of unknown event types and their counts
func (p *ProtocolHandler) UnsupportedEventTypes() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]int64, len(p.unsupportedEventTypes))
	for k, v := range p.unsupportedEventTypes {
		result[k] = v
	}
	return result
}

// SetStrictMode enables or disables strict protocol mode
func (p *ProtocolHandler) SetStrictMode(strict bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strictMode = strict
}

// Metrics returns protocol counters for health reporting.
func (p *ProtocolHandler) Metrics() map[string]interface{} {
	p.mu.RLock()
	strict := p.strictMode
	p.mu.RUnlock()

	return map[string]interface{}{
		"unknown_event_count": p.UnknownEventCount(),
		"strict_mode":         strict,
		"unsupported_types":   p.UnsupportedEventTypes(),
	}
}
