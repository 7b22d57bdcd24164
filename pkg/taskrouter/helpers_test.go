package taskrouter

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/internal/test/mocks"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/signaling"
)

const (
	testWorkerPath       = "Workspaces/WS1/Workers/WK1"
	testActivitiesPath   = "Workspaces/WS1/Activities"
	testChannelsPath     = testWorkerPath + "/Channels"
	testReservationsPath = testWorkerPath + "/Reservations"
)

func testToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "AC1",
			Issuer:  "SK1",
		},
		Grants: grants{
			Identity:   "alice",
			TaskRouter: &TaskRouterGrant{WorkspaceSid: "WS1", WorkerSid: "WK1", Role: "worker"},
		},
	}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func dialerFor(d *mocks.MockDialer) signaling.Dialer {
	return signaling.DialerFunc(func(ctx context.Context, urlStr string, header http.Header) (signaling.Conn, error) {
		conn, err := d.Dial(ctx, urlStr, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// stubRoutes scripts a worker in WA1 with three activities, one channel and
// no active reservations.
func stubRoutes(req *mocks.MockRequester) *mocks.MockRequester {
	return req.
		On("GET", testWorkerPath, `{
			"sid": "WK1",
			"friendly_name": "alice",
			"activity_sid": "WA1",
			"activity_name": "Idle",
			"available": true,
			"attributes": "{\"skills\":[\"en\"]}",
			"date_created": "2024-01-02T03:04:05Z",
			"version": "3"
		}`).
		On("GET", testActivitiesPath, `{
			"contents": [
				{"sid": "WA1", "friendly_name": "Idle", "available": true},
				{"sid": "WA2", "friendly_name": "Offline", "available": false},
				{"sid": "WA3", "friendly_name": "Busy", "available": false}
			],
			"after_sid": null
		}`).
		On("GET", testChannelsPath, `{
			"contents": [
				{"sid": "WC1", "task_channel_unique_name": "voice", "configured_capacity": 1, "available": true}
			]
		}`).
		On("GET", testReservationsPath, `{"contents": []}`)
}

type workerFixture struct {
	w        *Worker
	req      *mocks.MockRequester
	dialer   *mocks.MockDialer
	logger   *mocks.MockLogger
	registry *prometheus.Registry
}

// newFixture builds a worker against scripted REST and WebSocket fakes.
// mutate may adjust the options before the worker is created.
func newFixture(t *testing.T, mutate func(*WorkerOptions)) *workerFixture {
	t.Helper()
	f := &workerFixture{
		req:      stubRoutes(mocks.NewMockRequester()),
		dialer:   mocks.NewMockDialer(),
		logger:   mocks.NewMockLogger(),
		registry: prometheus.NewRegistry(),
	}
	opts := WorkerOptions{
		EventBridgeURL:    "wss://event-bridge.test/v1/wschannels",
		SoftDeleteGrace:   50 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		Logger:            f.logger,
		MetricsRegisterer: f.registry,
		Requester:         f.req,
		Dialer:            dialerFor(f.dialer),
		Policy:            signaling.NewPolicy(rand.NewSource(1)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	w, err := NewWorker(testToken(t, time.Now().Add(time.Hour)), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	f.w = w
	return f
}

// newSyncedFixture returns a fixture whose graph was filled by a refresh,
// without opening the event bridge.
func newSyncedFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := newFixture(t, nil)
	require.NoError(t, f.w.refresh(context.Background()))
	return f
}

// zapOptions swaps the recording logger for a zap test logger.
func zapOptions(t *testing.T) func(*WorkerOptions) {
	return func(o *WorkerOptions) {
		o.Logger = logging.NewZapLogger(zaptest.NewLogger(t))
	}
}

func (f *workerFixture) event(t *testing.T, eventType string, payload string) {
	t.Helper()
	require.NoError(t, f.w.HandleEvent(eventType, json.RawMessage(payload)))
}

func frame(eventType, payload string) string {
	return `{"event_type":"` + eventType + `","payload":` + payload + `}`
}

func reservationJSON(sid, status, taskSid string) string {
	return `{
		"sid": "` + sid + `",
		"reservation_status": "` + status + `",
		"worker_sid": "WK1",
		"date_created": 1700000000,
		"task": {"sid": "` + taskSid + `", "assignment_status": "reserved", "attributes": {"from": "+1555"}}
	}`
}
