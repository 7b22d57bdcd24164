package mocks

import (
	"fmt"
	"strings"
	"sync"
)

// MockLogger records log entries so tests can assert on them. It satisfies
// logging.Logger.
type MockLogger struct {
	mu       sync.Mutex
	Messages []LogMessage
}

// LogMessage is one recorded entry.
type LogMessage struct {
	Level   string
	Message string
	Fields  []interface{}
}

// Field returns the value logged under key.
func (l LogMessage) Field(key string) (interface{}, bool) {
	for i := 0; i+1 < len(l.Fields); i += 2 {
		if k, ok := l.Fields[i].(string); ok && k == key {
			return l.Fields[i+1], true
		}
	}
	return nil, false
}

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, fields ...interface{}) {
	m.log("DEBUG", msg, fields...)
}

func (m *MockLogger) Info(msg string, fields ...interface{}) {
	m.log("INFO", msg, fields...)
}

func (m *MockLogger) Warn(msg string, fields ...interface{}) {
	m.log("WARN", msg, fields...)
}

func (m *MockLogger) Error(msg string, fields ...interface{}) {
	m.log("ERROR", msg, fields...)
}

func (m *MockLogger) log(level, msg string, fields ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  append([]interface{}(nil), fields...),
	})
}

// GetMessages returns all logged messages
func (m *MockLogger) GetMessages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogMessage(nil), m.Messages...)
}

// GetMessagesByLevel returns messages for a specific log level
func (m *MockLogger) GetMessagesByLevel(level string) []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []LogMessage
	for _, msg := range m.Messages {
		if msg.Level == level {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// HasMessage reports whether a message at level contains substr.
func (m *MockLogger) HasMessage(level, substr string) bool {
	for _, msg := range m.GetMessagesByLevel(level) {
		if strings.Contains(msg.Message, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of messages logged at level.
func (m *MockLogger) Count(level string) int {
	return len(m.GetMessagesByLevel(level))
}

// Reset clears all logged messages
func (m *MockLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

// String renders every message, one per line.
func (m *MockLogger) String() string {
	var b strings.Builder
	for _, msg := range m.GetMessages() {
		fmt.Fprintf(&b, "[%s] %s", msg.Level, msg.Message)
		if len(msg.Fields) > 0 {
			fmt.Fprintf(&b, " %v", msg.Fields)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
