package taskrouter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Time decodes backend timestamps, which arrive either as epoch seconds or
// as RFC 3339 strings.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = epoch(secs)
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC1123Z, time.RFC1123} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("unsupported time format %q", s)
	}

	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("unsupported time value %s", b)
	}
	t.Time = epoch(secs)
	return nil
}

// MarshalJSON encodes the time as RFC 3339.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func epoch(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac).UTC()
}

// Attributes is an opaque JSON object. The backend sends attributes either
// as an object or as a string holding encoded JSON; both decode the same.
type Attributes json.RawMessage

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attributes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = nil
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = bytes.TrimSpace([]byte(s))
		if len(b) == 0 {
			*a = Attributes("{}")
			return nil
		}
	}

	if !gjson.ValidBytes(b) {
		return fmt.Errorf("attributes are not valid JSON")
	}
	*a = append(Attributes(nil), b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Attributes) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("{}"), nil
	}
	return a, nil
}

// Decode unmarshals the attributes into v.
func (a Attributes) Decode(v any) error {
	if len(a) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(a, v)
}

// Get returns the value at a gjson path, e.g. "skills.0".
func (a Attributes) Get(path string) gjson.Result {
	return gjson.GetBytes(a, path)
}

func (a Attributes) String() string {
	if len(a) == 0 {
		return "{}"
	}
	return string(a)
}

func (a Attributes) clone() Attributes {
	if a == nil {
		return nil
	}
	return append(Attributes(nil), a...)
}

// EncodeAttributes marshals v for a form parameter.
func EncodeAttributes(v any) (string, error) {
	switch attrs := v.(type) {
	case Attributes:
		return attrs.String(), nil
	case json.RawMessage:
		if !json.Valid(attrs) {
			return "", fmt.Errorf("attributes are not valid JSON: %w", ErrInvalidArgument)
		}
		return string(attrs), nil
	case string:
		if !gjson.Valid(attrs) {
			return "", fmt.Errorf("attributes are not valid JSON: %w", ErrInvalidArgument)
		}
		return attrs, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %v: %w", err, ErrInvalidArgument)
	}
	return string(b), nil
}

// Payloads mirror the wire resources. Pointer fields distinguish absent from
// zero so partial updates only touch what the backend sent.

type workerPayload struct {
	Sid               string      `json:"sid"`
	FriendlyName      *string     `json:"friendly_name"`
	AccountSid        *string     `json:"account_sid"`
	WorkspaceSid      *string     `json:"workspace_sid"`
	ActivitySid       *string     `json:"activity_sid"`
	ActivityName      *string     `json:"activity_name"`
	Available         *bool       `json:"available"`
	Attributes        *Attributes `json:"attributes"`
	DateCreated       *Time       `json:"date_created"`
	DateUpdated       *Time       `json:"date_updated"`
	DateStatusChanged *Time       `json:"date_status_changed"`
	Version           *flexInt    `json:"version"`
}

type activityPayload struct {
	Sid          string  `json:"sid"`
	FriendlyName *string `json:"friendly_name"`
	Available    *bool   `json:"available"`
	DateCreated  *Time   `json:"date_created"`
	DateUpdated  *Time   `json:"date_updated"`
}

type channelPayload struct {
	Sid                         string   `json:"sid"`
	TaskChannelSid              *string  `json:"task_channel_sid"`
	TaskChannelUniqueName       *string  `json:"task_channel_unique_name"`
	ConfiguredCapacity          *int     `json:"configured_capacity"`
	AvailableCapacityPercentage *int     `json:"available_capacity_percentage"`
	Available                   *bool    `json:"available"`
	AssignedTasks               *int     `json:"assigned_tasks"`
	DateCreated                 *Time    `json:"date_created"`
	DateUpdated                 *Time    `json:"date_updated"`
	Version                     *flexInt `json:"version"`
}

type reservationPayload struct {
	Sid                        string           `json:"sid"`
	ReservationStatus          *string          `json:"reservation_status"`
	WorkerSid                  *string          `json:"worker_sid"`
	TaskSid                    *string          `json:"task_sid"`
	Timeout                    *int             `json:"timeout"`
	DateCreated                *Time            `json:"date_created"`
	DateUpdated                *Time            `json:"date_updated"`
	Version                    *flexInt         `json:"version"`
	CanceledReasonCode         *int             `json:"canceled_reason_code"`
	Task                       *taskPayload     `json:"task"`
	TaskTransfer               *transferPayload `json:"task_transfer"`
	ActiveOutgoingTaskTransfer *transferPayload `json:"active_outgoing_task_transfer"`
}

func (p *reservationPayload) taskSid() string {
	if p.Task != nil && p.Task.Sid != "" {
		return p.Task.Sid
	}
	if p.TaskSid != nil {
		return *p.TaskSid
	}
	return ""
}

type taskPayload struct {
	Sid                   string      `json:"sid"`
	AssignmentStatus      *string     `json:"assignment_status"`
	Attributes            *Attributes `json:"attributes"`
	Age                   *int        `json:"age"`
	Priority              *int        `json:"priority"`
	Reason                *string     `json:"reason"`
	Timeout               *int        `json:"timeout"`
	QueueSid              *string     `json:"queue_sid"`
	QueueName             *string     `json:"queue_name"`
	TaskChannelSid        *string     `json:"task_channel_sid"`
	TaskChannelUniqueName *string     `json:"task_channel_unique_name"`
	WorkflowSid           *string     `json:"workflow_sid"`
	WorkflowName          *string     `json:"workflow_name"`
	RoutingTarget         *string     `json:"routing_target"`
	DateCreated           *Time       `json:"date_created"`
	DateUpdated           *Time       `json:"date_updated"`
	Version               *flexInt    `json:"version"`
}

type transferPayload struct {
	Sid                      string  `json:"sid"`
	TaskSid                  *string `json:"task_sid"`
	InitiatingReservationSid *string `json:"initiating_reservation_sid"`
	InitiatingWorkerSid      *string `json:"initiating_worker_sid"`
	InitiatingQueueSid       *string `json:"initiating_queue_sid"`
	InitiatingQueueName      *string `json:"initiating_queue_name"`
	ReservationSid           *string `json:"reservation_sid"`
	Mode                     *string `json:"mode"`
	Type                     *string `json:"type"`
	To                       *string `json:"to"`
	TransferStatus           *string `json:"transfer_status"`
	DateCreated              *Time   `json:"date_created"`
	DateUpdated              *Time   `json:"date_updated"`
}

// flexInt accepts numbers and numeric strings; versions arrive as either.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", b)
	}
	*f = flexInt(n)
	return nil
}

// page is one response of a paginated listing.
type page struct {
	Contents []json.RawMessage `json:"contents"`
	AfterSid *string           `json:"after_sid"`
}

func decodePayload(event string, payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &EventError{Event: event, Err: ErrInvalidPayload}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &EventError{Event: event, Err: fmt.Errorf("%v: %w", err, ErrInvalidPayload)}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setTime(dst *time.Time, src *Time) {
	if src != nil && !src.IsZero() {
		*dst = src.Time
	}
}

// setVersion keeps versions monotonically non-decreasing.
func setVersion(dst *int64, src *flexInt) {
	if src != nil && int64(*src) >= *dst {
		*dst = int64(*src)
	}
}
