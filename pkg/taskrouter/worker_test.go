package taskrouter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/internal/test/mocks"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/rest"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/signaling"
)

func waitDialed(t *testing.T, d *mocks.MockDialer) *mocks.MockWebSocketConn {
	t.Helper()
	select {
	case conn := <-d.Dialed():
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func TestNewWorkerRejectsBadToken(t *testing.T) {
	_, err := NewWorker("not-a-jwt", WorkerOptions{})
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestWorkerEndToEnd(t *testing.T) {
	f := newFixture(t, zapOptions(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var connected, created, accepted atomic.Int32
	f.w.Observe(WorkerCallbacks{
		OnConnected: func() { connected.Add(1) },
		OnReservationCreated: func(r *Reservation) {
			created.Add(1)
			r.Observe(ReservationCallbacks{
				OnAccepted: func(*Reservation) { accepted.Add(1) },
			})
		},
	})

	require.NoError(t, f.w.Connect(ctx))
	conn := waitDialed(t, f.dialer)
	require.NoError(t, f.w.WaitReady(ctx))

	assert.True(t, strings.HasPrefix(f.dialer.LastURL(), "wss://event-bridge.test/v1/wschannels/AC1/WK1?"))
	assert.Contains(t, f.dialer.LastURL(), "clientVersion=1.0.0")
	assert.Equal(t, signaling.StateConnected, f.w.State())
	assert.Equal(t, 1, f.w.EventListenerCount())
	assert.Equal(t, "WA1", f.w.Activity().Sid())

	conn.AddReadMessage(frame("reservation.created", reservationJSON("WR1", "pending", "WT1")))
	conn.AddReadMessage(frame("reservation.accepted",
		`{"sid":"WR1","reservation_status":"accepted","task":{"sid":"WT1","assignment_status":"assigned"}}`))

	require.Eventually(t, func() bool { return accepted.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	r, ok := f.w.Reservation("WR1")
	require.True(t, ok)
	assert.Equal(t, ReservationAccepted, r.Status())
	assert.Equal(t, TaskAssigned, r.Task().Status())

	// Reconnecting must not stack a second event subscription.
	conn.Drop(nil)
	conn2 := waitDialed(t, f.dialer)
	require.Eventually(t, func() bool { return connected.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.w.EventListenerCount())

	conn2.AddReadMessage(frame("reservation.created", reservationJSON("WR2", "pending", "WT2")))
	require.Eventually(t, func() bool { return created.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), created.Load())
	assert.Equal(t, int32(1), accepted.Load())
}

func TestWorkerSyncFailure(t *testing.T) {
	f := newFixture(t, func(o *WorkerOptions) {
		req := mocks.NewMockRequester().
			OnError("GET", testWorkerPath, &rest.Error{Kind: rest.KindServer, StatusCode: 500, Message: "boom"})
		o.Requester = req
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reported atomic.Int32
	f.w.Observe(WorkerCallbacks{OnError: func(error) { reported.Add(1) }})

	require.NoError(t, f.w.Connect(ctx))
	err := f.w.WaitReady(ctx)
	require.Error(t, err)
	assert.Equal(t, 500, rest.StatusCode(err))
	assert.False(t, f.w.Ready())
	assert.Eventually(t, func() bool { return reported.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectActivityRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, func(o *WorkerOptions) { o.ConnectActivitySid = "WA2" })
	f.req.
		OnError("POST", testWorkerPath, &rest.Error{Kind: rest.KindServer, StatusCode: 503}).
		On("POST", testWorkerPath, `{"sid":"WK1","activity_sid":"WA2","activity_name":"Offline","available":false}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.w.Connect(ctx))
	require.NoError(t, f.w.WaitReady(ctx))

	require.Eventually(t, func() bool {
		a := f.w.Activity()
		return a != nil && a.Sid() == "WA2"
	}, 5*time.Second, 10*time.Millisecond)

	calls := f.req.CallsTo("POST", testWorkerPath)
	require.Len(t, calls, 2)
	assert.Equal(t, "WA2", calls[1].Params.Get("ActivitySid"))
	assert.False(t, f.w.Available())
	assert.Equal(t, []string{"WA2"}, currentActivities(f.w))
}

func TestConnectActivityStopsOnClientError(t *testing.T) {
	f := newFixture(t, func(o *WorkerOptions) { o.ConnectActivitySid = "WA2" })
	f.req.OnError("POST", testWorkerPath, &rest.Error{Kind: rest.KindClient, StatusCode: 400, Message: "bad activity"})

	errs := make(chan error, 4)
	f.w.Observe(WorkerCallbacks{OnError: func(err error) { errs <- err }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.w.Connect(ctx))

	select {
	case err := <-errs:
		assert.Equal(t, 400, rest.StatusCode(err))
	case <-ctx.Done():
		t.Fatal("connect activity error not reported")
	}
	assert.Len(t, f.req.CallsTo("POST", testWorkerPath), 1)
	assert.Equal(t, "WA1", f.w.Activity().Sid())
}

func TestSetActivityUnknown(t *testing.T) {
	f := newSyncedFixture(t)

	err := f.w.SetActivity(context.Background(), "WA404", SetActivityOptions{})
	assert.True(t, errors.Is(err, ErrUnknownActivity))
	assert.Empty(t, f.req.CallsTo("POST", testWorkerPath))
}

func TestActivitySetAsCurrent(t *testing.T) {
	f := newSyncedFixture(t)
	f.req.On("POST", testWorkerPath, `{"sid":"WK1","activity_sid":"WA3","available":false}`)

	var busy *Activity
	for _, a := range f.w.Activities() {
		if a.Name() == "Busy" {
			busy = a
		}
	}
	require.NotNil(t, busy)

	require.NoError(t, busy.SetAsCurrent(context.Background(), SetActivityOptions{RejectPendingReservations: true}))
	calls := f.req.CallsTo("POST", testWorkerPath)
	require.Len(t, calls, 1)
	assert.Equal(t, "WA3", calls[0].Params.Get("ActivitySid"))
	assert.Equal(t, "true", calls[0].Params.Get("RejectPendingReservations"))
	assert.True(t, busy.IsCurrent())
	assert.Equal(t, []string{"WA3"}, currentActivities(f.w))
}

func TestWorkerSetAttributesUsesVersion(t *testing.T) {
	f := newSyncedFixture(t)
	f.req.On("POST", testWorkerPath, `{"sid":"WK1","attributes":{"skills":["de"]},"version":"4"}`)

	require.NoError(t, f.w.SetAttributes(context.Background(), map[string]any{"skills": []string{"de"}}))

	calls := f.req.CallsTo("POST", testWorkerPath)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].IfMatch)
	assert.Equal(t, int64(3), *calls[0].IfMatch)
	assert.JSONEq(t, `{"skills":["de"]}`, calls[0].Params.Get("Attributes"))
	assert.Equal(t, int64(4), f.w.Version())
	assert.Equal(t, "de", f.w.Attributes().Get("skills.0").String())

	err := f.w.SetAttributes(context.Background(), "{not json")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestReservationCommands(t *testing.T) {
	f := newSyncedFixture(t)
	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))
	r, _ := f.w.Reservation("WR1")
	path := testReservationsPath + "/WR1"
	ctx := context.Background()

	assert.True(t, errors.Is(r.Wrap(ctx), ErrInvalidState))
	assert.True(t, errors.Is(r.Complete(ctx), ErrInvalidState))

	f.req.On("POST", path, `{"sid":"WR1","reservation_status":"accepted","task":{"sid":"WT1","assignment_status":"assigned"}}`)
	require.NoError(t, r.Accept(ctx))
	assert.Equal(t, ReservationAccepted, r.Status())
	// The task follows its own events, not the command response.
	assert.Equal(t, TaskReserved, r.Task().Status())

	assert.True(t, errors.Is(r.Accept(ctx), ErrInvalidState))
	assert.True(t, errors.Is(r.Reject(ctx, RejectOptions{}), ErrInvalidState))

	f.req.On("POST", path, `{"sid":"WR1","reservation_status":"wrapping"}`)
	require.NoError(t, r.Wrap(ctx))
	f.req.On("POST", path, `{"sid":"WR1","reservation_status":"completed"}`)
	require.NoError(t, r.Complete(ctx))
	assert.Equal(t, ReservationCompleted, r.Status())

	calls := f.req.CallsTo("POST", path)
	require.Len(t, calls, 3)
	assert.Equal(t, "accepted", calls[0].Params.Get("ReservationStatus"))
	assert.Equal(t, "wrapping", calls[1].Params.Get("ReservationStatus"))
	assert.Equal(t, "completed", calls[2].Params.Get("ReservationStatus"))
}

func TestReservationRejectWithActivity(t *testing.T) {
	f := newSyncedFixture(t)
	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))
	r, _ := f.w.Reservation("WR1")
	path := testReservationsPath + "/WR1"

	f.req.OnError("POST", path, &rest.Error{Kind: rest.KindClient, StatusCode: 409, Message: "conflict"})
	err := r.Reject(context.Background(), RejectOptions{ActivitySid: "WA2"})
	require.Error(t, err)
	assert.Equal(t, 409, rest.StatusCode(err))
	assert.Equal(t, ReservationPending, r.Status())

	calls := f.req.CallsTo("POST", path)
	require.Len(t, calls, 1)
	assert.Equal(t, "rejected", calls[0].Params.Get("ReservationStatus"))
	assert.Equal(t, "WA2", calls[0].Params.Get("WorkerActivitySid"))
}

func TestTaskCommands(t *testing.T) {
	f := newSyncedFixture(t)
	f.event(t, "reservation.created", reservationJSON("WR1", "accepted", "WT1"))
	r, _ := f.w.Reservation("WR1")
	task := r.Task()
	ctx := context.Background()
	path := "Workspaces/WS1/Tasks/WT1"

	assert.True(t, errors.Is(task.Complete(ctx, "done"), ErrInvalidState))
	_, err := task.Transfer(ctx, "WK2", TransferOptions{})
	assert.True(t, errors.Is(err, ErrInvalidState))

	f.event(t, "task.updated", `{"sid":"WT1","assignment_status":"assigned","version":"2"}`)

	f.req.On("POST", path, `{"sid":"WT1","attributes":{"priority":"high"},"version":"3"}`)
	require.NoError(t, task.SetAttributes(ctx, map[string]string{"priority": "high"}))
	calls := f.req.CallsTo("POST", path)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].IfMatch)
	assert.Equal(t, int64(2), *calls[0].IfMatch)
	assert.Equal(t, int64(3), task.Version())
	assert.Equal(t, "high", task.Attributes().Get("priority").String())

	_, err = task.Transfer(ctx, "XX1", TransferOptions{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = task.Transfer(ctx, "WK2", TransferOptions{Mode: "LUKEWARM"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	priority := 5
	f.req.On("POST", path+"/Transfers", `{"sid":"TT1","task_sid":"WT1","initiating_reservation_sid":"WR1","mode":"COLD","type":"QUEUE","to":"WQ1","transfer_status":"initiated"}`)
	outgoing, err := task.Transfer(ctx, "WQ1", TransferOptions{Mode: TransferModeCold, Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, "TT1", outgoing.Sid())
	assert.Equal(t, TransferToQueue, outgoing.Type())
	assert.Same(t, outgoing, task.Transfers().Outgoing)

	transferCalls := f.req.CallsTo("POST", path+"/Transfers")
	require.Len(t, transferCalls, 1)
	assert.Equal(t, "QUEUE", transferCalls[0].Params.Get("Type"))
	assert.Equal(t, "COLD", transferCalls[0].Params.Get("Mode"))
	assert.Equal(t, "5", transferCalls[0].Params.Get("Priority"))

	// Cancel is not guarded locally; the backend decides.
	f.req.On("POST", path+"/Transfers/TT1", `{"sid":"TT1","transfer_status":"canceled"}`)
	require.NoError(t, outgoing.Cancel(ctx))
	assert.Equal(t, TransferCanceled, outgoing.Status())
	f.req.OnError("POST", path+"/Transfers/TT1", &rest.Error{Kind: rest.KindClient, StatusCode: 400, Message: "already canceled"})
	err = outgoing.Cancel(ctx)
	assert.Equal(t, 400, rest.StatusCode(err))
	assert.Len(t, f.req.CallsTo("POST", path+"/Transfers/TT1"), 2)

	f.req.On("POST", path, `{"sid":"WT1","assignment_status":"wrapping"}`)
	require.NoError(t, task.Wrap(ctx, "call ended"))
	f.req.On("POST", path, `{"sid":"WT1","assignment_status":"completed"}`)
	require.NoError(t, task.Complete(ctx, "resolved"))
	assert.Equal(t, TaskCompleted, task.Status())

	calls = f.req.CallsTo("POST", path)
	require.Len(t, calls, 3)
	assert.Equal(t, "wrapping", calls[1].Params.Get("AssignmentStatus"))
	assert.Equal(t, "resolved", calls[2].Params.Get("Reason"))
}

func TestRefreshFollowsPagination(t *testing.T) {
	pages := map[string]string{
		testActivitiesPath + "?":     `{"contents":[{"sid":"WA1","friendly_name":"Idle"},{"sid":"WA2","friendly_name":"Offline"}],"after_sid":"WA2"}`,
		testActivitiesPath + "?WA2":  `{"contents":[{"sid":"WA3","friendly_name":"Busy"}],"after_sid":null}`,
		testReservationsPath + "?":   `{"contents":[` + reservationJSON("WR2", "pending", "WT2") + `],"after_sid":"WR2"}`,
		testReservationsPath + "?WR2": `{"contents":[{"sid":"WR1","reservation_status":"accepted","date_created":1600000000,"task":{"sid":"WT1"}}]}`,
	}

	var pageSizes atomic.Value
	req := mocks.NewMockRequester().
		On("GET", testWorkerPath, `{"sid":"WK1","activity_sid":"WA3"}`).
		On("GET", testChannelsPath, `{"contents":[]}`).
		Handle(func(call mocks.RequestCall) (json.RawMessage, error) {
			pageSizes.Store(call.Query.Get("PageSize"))
			body, ok := pages[call.Path+"?"+call.Query.Get("AfterSid")]
			if !ok {
				return nil, &rest.Error{Kind: rest.KindClient, StatusCode: 404}
			}
			return json.RawMessage(body), nil
		})

	f := newFixture(t, func(o *WorkerOptions) {
		o.Requester = req
		o.PageSize = 5000
	})
	require.NoError(t, f.w.refresh(context.Background()))

	assert.Equal(t, "1000", pageSizes.Load())
	assert.Len(t, f.w.Activities(), 3)
	assert.Equal(t, "WA3", f.w.Activity().Sid())

	reservations := f.w.Reservations()
	require.Len(t, reservations, 2)
	assert.Equal(t, "WR1", reservations[0].Sid(), "oldest first")
	assert.Equal(t, "WR2", reservations[1].Sid())
	assert.Equal(t, "pending,accepted,wrapping", req.CallsTo("GET", testReservationsPath)[0].Query.Get("ReservationStatus"))
}

func TestRefreshRejectsRepeatedCursor(t *testing.T) {
	req := stubRoutes(mocks.NewMockRequester())
	f := newFixture(t, func(o *WorkerOptions) { o.Requester = req })

	var calls int
	err := f.w.fetchPages(context.Background(), testActivitiesPath, nil, func([]json.RawMessage) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	loop := mocks.NewMockRequester().On("GET", testActivitiesPath, `{"contents":[],"after_sid":"WA1"}`)
	f.w.requester = loop
	err = f.w.fetchPages(context.Background(), testActivitiesPath, nil, func([]json.RawMessage) error { return nil })
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestRefreshKeepsKnownReservationIdentity(t *testing.T) {
	f := newSyncedFixture(t)
	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))
	before, _ := f.w.Reservation("WR1")

	f.req.On("GET", testReservationsPath, `{"contents":[{"sid":"WR1","reservation_status":"accepted","task":{"sid":"WT1"}}]}`)
	require.NoError(t, f.w.refresh(context.Background()))

	after, ok := f.w.Reservation("WR1")
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.Equal(t, ReservationAccepted, after.Status())
}

func TestClampPageSize(t *testing.T) {
	tests := map[int]int{-1: 1000, 0: 1000, 1: 1, 250: 250, 1000: 1000, 1001: 1000}
	for in, want := range tests {
		assert.Equal(t, want, ClampPageSize(in), "ClampPageSize(%d)", in)
	}
}

func TestCloseCancelsPendingPurges(t *testing.T) {
	f := newFixture(t, func(o *WorkerOptions) { o.SoftDeleteGrace = time.Hour })
	require.NoError(t, f.w.refresh(context.Background()))

	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))
	f.event(t, "reservation.timeout", `{"sid":"WR1","reservation_status":"timeout"}`)
	_, ok := f.w.Reservation("WR1")
	require.True(t, ok)

	require.NoError(t, f.w.Close())
	_, ok = f.w.Reservation("WR1")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.w.metrics.purges))
	assert.Equal(t, signaling.StateClosed, f.w.State())

	// Closed workers refuse commands and reconnects.
	assert.True(t, errors.Is(f.w.SetAttributes(context.Background(), map[string]int{}), ErrClosed))
	assert.True(t, errors.Is(f.w.Connect(context.Background()), ErrClosed))
	assert.NoError(t, f.w.Close())
}

func TestDisconnectKeepsGraceWindow(t *testing.T) {
	f := newSyncedFixture(t)

	var reasons []string
	f.w.Observe(WorkerCallbacks{OnDisconnected: func(reason string) { reasons = append(reasons, reason) }})

	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))
	f.event(t, "reservation.rescinded", `{"sid":"WR1","reservation_status":"rescinded"}`)
	f.w.Disconnect("shift over")
	<-f.w.channel.Done()

	assert.Equal(t, []string{"shift over"}, reasons)
	_, ok := f.w.Reservation("WR1")
	assert.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := f.w.Reservation("WR1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateToken(t *testing.T) {
	f := newSyncedFixture(t)

	var updated int
	f.w.Observe(WorkerCallbacks{OnTokenUpdated: func() { updated++ }})

	next := testToken(t, time.Now().Add(2*time.Hour))
	require.NoError(t, f.w.UpdateToken(next))
	assert.Equal(t, next, f.w.channel.Token())
	assert.Equal(t, 1, updated)

	assert.True(t, errors.Is(f.w.UpdateToken("garbage"), ErrInvalidToken))
	assert.Equal(t, 1, updated)
}

func TestUpdateTokenArmsExpiry(t *testing.T) {
	f := newSyncedFixture(t)
	expired := make(chan struct{}, 1)
	f.w.Observe(WorkerCallbacks{OnTokenExpired: func() {
		select {
		case expired <- struct{}{}:
		default:
		}
	}})

	// Inside the default expiry buffer, so the timer fires right away.
	require.NoError(t, f.w.UpdateToken(testToken(t, time.Now().Add(2*time.Second))))

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("expiry of the updated token not reported")
	}
}

func TestTokenExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	f := newFixture(t, func(o *WorkerOptions) {
		o.TokenExpiryBuffer = 59*time.Minute + 59*time.Second
	})
	f.w.Observe(WorkerCallbacks{OnTokenExpired: func() {
		select {
		case expired <- struct{}{}:
		default:
		}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.w.Connect(ctx))

	select {
	case <-expired:
	case <-ctx.Done():
		t.Fatal("token expiry not reported")
	}
}

func TestCloseFromCallback(t *testing.T) {
	f := newFixture(t, func(o *WorkerOptions) {
		o.TokenExpiryBuffer = 59*time.Minute + 59*time.Second
	})
	returned := make(chan error, 1)
	f.w.Observe(WorkerCallbacks{OnTokenExpired: func() {
		returned <- f.w.Close()
	}})

	// The expiry can race the dial, so Connect may already see the close.
	_ = f.w.Connect(context.Background())

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from a callback did not return")
	}
	select {
	case <-f.w.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("teardown did not finish")
	}

	// A second Close waits for the finished teardown instead of hanging.
	assert.NoError(t, f.w.Close())
	assert.Equal(t, signaling.StateClosed, f.w.State())
	assert.ErrorIs(t, f.w.Connect(context.Background()), ErrClosed)
}

func TestConnectWithExpiredToken(t *testing.T) {
	w, err := NewWorker(testToken(t, time.Now().Add(-time.Minute)), WorkerOptions{
		Requester: mocks.NewMockRequester(),
		Dialer:    dialerFor(mocks.NewMockDialer()),
		Logger:    mocks.NewMockLogger(),
	})
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, errors.Is(w.Connect(context.Background()), ErrTokenExpired))
}

func TestWorkerHealth(t *testing.T) {
	f := newSyncedFixture(t)
	f.event(t, "reservation.created", reservationJSON("WR1", "pending", "WT1"))

	health := f.w.Health()
	assert.Equal(t, "WK1", health["worker_sid"])
	assert.Equal(t, "WA1", health["activity_sid"])
	assert.Equal(t, 3, health["activities"])
	assert.Equal(t, 1, health["reservations"])
	assert.Equal(t, "disconnected", health["state"])
	assert.Equal(t, false, health["ready"])
	assert.Contains(t, health, "protocol")
}
