package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failed request.
type Kind int

const (
	KindClient Kind = iota + 1
	KindServer
	KindTimeout
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is returned for every failed request. StatusCode is 0 when no
// response was received.
type Error struct {
	Kind       Kind
	StatusCode int
	// Code is the backend error code from the response body, if any.
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rest %s error", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d", e.StatusCode)
		if e.Code != 0 {
			fmt.Fprintf(&b, ", code %d", e.Code)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryableStatus are the statuses worth retrying for idempotent updates.
var retryableStatus = map[int]bool{
	0:   true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryable reports whether err is a transient failure: no response, 429,
// 500, 502, 503 or 504.
func IsRetryable(err error) bool {
	var restErr *Error
	if !errors.As(err, &restErr) {
		return false
	}
	return retryableStatus[restErr.StatusCode]
}

// StatusCode returns the HTTP status of err, or 0.
func StatusCode(err error) int {
	var restErr *Error
	if errors.As(err, &restErr) {
		return restErr.StatusCode
	}
	return 0
}

// IsKind reports whether err is a rest error of the given kind.
func IsKind(err error, kind Kind) bool {
	var restErr *Error
	return errors.As(err, &restErr) && restErr.Kind == kind
}

func kindForStatus(status int) Kind {
	if status >= 500 {
		return KindServer
	}
	return KindClient
}

// transportError classifies a failure that produced no response.
func transportError(err error) *Error {
	kind := KindNetwork
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "connection timed out")
}
