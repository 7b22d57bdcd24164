package taskrouter

import (
	"fmt"
)

// Error represents a typed error with a code and message.
// Error codes are stable and can be used for programmatic error handling.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details.
	Message string
}

// Error implements the error interface.
// Returns a string in the format "CODE: message".
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Common errors returned by the worker.
// Use errors.Is() to check for specific error types.
var (
	// ErrNotConnected indicates a command was issued before the worker synced.
	ErrNotConnected = &Error{Code: "NOT_CONNECTED", Message: "worker is not connected"}

	// ErrInvalidState indicates a command is not allowed in the entity's current state.
	ErrInvalidState = &Error{Code: "INVALID_STATE", Message: "operation not allowed in current state"}

	// ErrMissingField indicates a known event arrived without its identifying field.
	ErrMissingField = &Error{Code: "MISSING_FIELD", Message: "event payload is missing a required field"}

	// ErrInvalidPayload indicates an event or response payload could not be decoded.
	ErrInvalidPayload = &Error{Code: "INVALID_PAYLOAD", Message: "payload could not be decoded"}

	// ErrTokenExpired indicates the access token lifetime has elapsed.
	ErrTokenExpired = &Error{Code: "TOKEN_EXPIRED", Message: "access token expired"}

	// ErrInvalidToken indicates the access token could not be decoded or lacks TaskRouter grants.
	ErrInvalidToken = &Error{Code: "INVALID_TOKEN", Message: "invalid access token"}

	// ErrUnknownActivity indicates an activity sid that is not part of the workspace.
	ErrUnknownActivity = &Error{Code: "UNKNOWN_ACTIVITY", Message: "activity not found"}

	// ErrInvalidArgument indicates a bad command argument.
	ErrInvalidArgument = &Error{Code: "INVALID_ARGUMENT", Message: "invalid argument"}

	// ErrClosed indicates the worker session was closed.
	ErrClosed = &Error{Code: "CLOSED", Message: "worker closed"}
)

// EventError describes an inbound event that violated the backend contract.
type EventError struct {
	Event string
	Field string
	Err   error
}

func (e *EventError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("event %s: field %q: %v", e.Event, e.Field, e.Err)
	}
	return fmt.Sprintf("event %s: %v", e.Event, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// stateError wraps ErrInvalidState with the offending transition.
func stateError(entity, sid, op, status string) error {
	return fmt.Errorf("%s %s: cannot %s while %s: %w", entity, sid, op, status, ErrInvalidState)
}
