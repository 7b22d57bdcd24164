package taskrouter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/rest"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/signaling"
)

const (
	// DefaultEventBridgeURL is the event bridge WebSocket endpoint.
	DefaultEventBridgeURL = "wss://event-bridge.twilio.com/v1/wschannels"

	// DefaultPageSize is used for full-refresh fetches.
	DefaultPageSize = 1000

	// MaxPageSize is the largest page the backend returns.
	MaxPageSize = 1000

	// DefaultSoftDeleteGrace is how long a terminal reservation stays
	// resolvable after it leaves the public view.
	DefaultSoftDeleteGrace = 5 * time.Second

	// DefaultConnectActivityMaxRetries bounds retries of the connect activity update.
	DefaultConnectActivityMaxRetries = 3

	// ClientVersion is reported to the event bridge.
	ClientVersion = "1.0.0"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// EventBridgeURL is the base event bridge endpoint. The account and
	// worker sids are appended as path segments.
	// Default: DefaultEventBridgeURL
	EventBridgeURL string

	// APIBaseURL is the REST endpoint used when Requester is nil.
	// Default: rest.DefaultBaseURL
	APIBaseURL string

	// APIVersion is passed to every REST call.
	// Default: rest.DefaultAPIVersion
	APIVersion string

	// ClientVersion is sent to the event bridge.
	// Default: ClientVersion
	ClientVersion string

	// CloseExistingSessions asks the event bridge to drop other sessions
	// of this worker.
	CloseExistingSessions bool

	// ConnectActivitySid moves the worker to this activity after the first sync.
	// The update is retried on transient failures.
	ConnectActivitySid string

	// ConnectActivityMaxRetries bounds the connect activity retries.
	// Default: 3
	ConnectActivityMaxRetries int

	// PageSize for full-refresh fetches, clamped to [1, 1000].
	// Default: 1000
	PageSize int

	// HeartbeatInterval is the event bridge silence threshold.
	// Default: 30s
	HeartbeatInterval time.Duration

	// TokenExpiryBuffer is how early before the token lifetime expiry is reported.
	// Default: 5s
	TokenExpiryBuffer time.Duration

	// SoftDeleteGrace is the delay before a terminal reservation is purged.
	// Default: 5s
	SoftDeleteGrace time.Duration

	// RequestsPerSecond limits outbound REST commands when Requester is nil.
	// Default: 10
	RequestsPerSecond float64

	// Logger for debug output.
	// If nil, a default logger is used.
	Logger logging.Logger

	// MetricsRegisterer receives worker and signaling metrics. Optional.
	MetricsRegisterer prometheus.Registerer

	// Requester overrides the REST client.
	Requester rest.Requester

	// Dialer overrides the WebSocket dialer.
	Dialer signaling.Dialer

	// Policy overrides the reconnect and retry backoff.
	Policy *signaling.Policy
}

// ClampPageSize returns size limited to [1, MaxPageSize]; zero or negative
// sizes use DefaultPageSize.
func ClampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

func (o *WorkerOptions) applyDefaults() {
	if o.EventBridgeURL == "" {
		o.EventBridgeURL = DefaultEventBridgeURL
	}
	if o.APIBaseURL == "" {
		o.APIBaseURL = rest.DefaultBaseURL
	}
	if o.APIVersion == "" {
		o.APIVersion = rest.DefaultAPIVersion
	}
	if o.ClientVersion == "" {
		o.ClientVersion = ClientVersion
	}
	if o.ConnectActivityMaxRetries <= 0 {
		o.ConnectActivityMaxRetries = DefaultConnectActivityMaxRetries
	}
	o.PageSize = ClampPageSize(o.PageSize)
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = signaling.DefaultHeartbeatInterval
	}
	if o.TokenExpiryBuffer <= 0 {
		o.TokenExpiryBuffer = signaling.DefaultTokenExpiryBuffer
	}
	if o.SoftDeleteGrace <= 0 {
		o.SoftDeleteGrace = DefaultSoftDeleteGrace
	}
	if o.Logger == nil {
		o.Logger = logging.NewProduction()
	}
	if o.Policy == nil {
		o.Policy = signaling.NewPolicy(nil)
	}
}
