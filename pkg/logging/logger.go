// Package logging defines the pluggable logger used across the SDK.
//
// Every component accepts a Logger through its options. Fields are passed as
// alternating key/value pairs, the same convention zap's SugaredLogger uses
// for its "w" methods.
package logging

import (
	"go.uber.org/zap"
)

// Logger interface for pluggable logging.
// Implement this interface to integrate with your application's logging system.
// The fields parameter accepts key-value pairs for structured logging.
type Logger interface {
	// Debug logs a debug-level message with optional fields.
	Debug(msg string, fields ...interface{})

	// Info logs an info-level message with optional fields.
	Info(msg string, fields ...interface{})

	// Warn logs a warning-level message with optional fields.
	Warn(msg string, fields ...interface{})

	// Error logs an error-level message with optional fields.
	Error(msg string, fields ...interface{})
}

// zapLogger wraps zap.SugaredLogger to implement the Logger interface
type zapLogger struct {
	*zap.SugaredLogger
}

// NewZapLogger adapts a zap logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{l.Sugar()}
}

// NewProduction returns a Logger backed by zap's production configuration.
// It falls back to a no-op logger if zap cannot be built.
func NewProduction() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return NewNop()
	}
	return NewZapLogger(l)
}

// NewDevelopment returns a Logger backed by zap's development configuration.
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return NewNop()
	}
	return NewZapLogger(l)
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}

// Named returns a child logger when the Logger is zap-backed, otherwise l.
func Named(l Logger, name string) Logger {
	if z, ok := l.(*zapLogger); ok {
		return &zapLogger{z.SugaredLogger.Named(name)}
	}
	return l
}

// Sync flushes buffered entries of zap-backed loggers.
func Sync(l Logger) error {
	if z, ok := l.(*zapLogger); ok {
		return z.SugaredLogger.Sync()
	}
	return nil
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}
