// Package taskrouter keeps an in-memory view of a TaskRouter worker in sync
// with the backend.
//
// A Worker connects to the event bridge, fetches its activities, channels
// and active reservations, and then applies every inbound event to that
// state. Commands (accepting a reservation, completing a task, changing
// activity) are REST calls whose responses are folded back into the same
// objects.
//
// Basic usage:
//
//	w, err := taskrouter.NewWorker(token, taskrouter.WorkerOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	w.Observe(taskrouter.WorkerCallbacks{
//		OnReservationCreated: func(r *taskrouter.Reservation) {
//			_ = r.Accept(context.Background())
//		},
//	})
//	if err := w.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer w.Close()
package taskrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/rest"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/signaling"
)

// WorkerCallbacks observe the worker. Any field may be nil. Callbacks run
// on the event dispatcher goroutine, except OnReady and errors from the
// initial sync, which run on the sync goroutine.
type WorkerCallbacks struct {
	OnReady        func()
	OnConnected    func()
	OnDisconnected func(reason string)
	OnError        func(err error)
	OnTokenExpired func()
	OnTokenUpdated func()

	OnActivityUpdated            func(a *Activity)
	OnAttributesUpdated          func(attrs Attributes)
	OnChannelCapacityUpdated     func(c *Channel)
	OnChannelAvailabilityUpdated func(c *Channel)
	OnReservationCreated         func(r *Reservation)
	OnReservationFailed          func(r *Reservation)
}

// Worker is the root of the synchronized entity graph.
type Worker struct {
	opts      WorkerOptions
	logger    logging.Logger
	requester rest.Requester
	tokens    *rest.TokenHolder
	channel   *signaling.Channel
	protocol  *ProtocolHandler
	metrics   *Metrics
	hooks     *ShutdownHookManager

	accountSid   string
	workspaceSid string
	sid          string

	// mu guards the worker fields below and every entity reachable from it.
	mu                sync.RWMutex
	name              string
	attributes        Attributes
	available         bool
	activitySid       string
	activityName      string
	version           int64
	dateCreated       time.Time
	dateUpdated       time.Time
	dateStatusChanged time.Time
	activities        *activityStore
	channels          *channelStore
	reservations      *reservationStore
	tokenExpiresAt    time.Time

	observers observers[WorkerCallbacks]

	subMu     sync.Mutex
	lifecycle *signaling.Subscription
	events    *signaling.Subscription

	ctx       context.Context
	cancel    context.CancelFunc
	syncMu    sync.Mutex
	syncWG    sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	syncErr   chan error
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// callbacks counts user callbacks in flight on worker goroutines.
	callbacks atomic.Int32
}

// NewWorker creates a disconnected worker for the sids carried in token.
func NewWorker(token string, opts WorkerOptions) (*Worker, error) {
	info, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		opts:           opts,
		logger:         opts.Logger,
		requester:      opts.Requester,
		protocol:       NewProtocolHandler(opts.Logger),
		metrics:        NewMetrics(opts.MetricsRegisterer),
		hooks:          NewShutdownHookManager(opts.Logger),
		accountSid:     info.AccountSid,
		workspaceSid:   info.WorkspaceSid,
		sid:            info.WorkerSid,
		activities:     newActivityStore(),
		channels:       newChannelStore(),
		reservations:   newReservationStore(opts.SoftDeleteGrace),
		tokenExpiresAt: info.ExpiresAt,
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
		syncErr:        make(chan error, 1),
		closed:         make(chan struct{}),
	}

	if w.requester == nil {
		w.tokens = rest.NewTokenHolder(token)
		w.requester = rest.NewClient(rest.Options{
			BaseURL:           opts.APIBaseURL,
			Tokens:            w.tokens,
			RequestsPerSecond: opts.RequestsPerSecond,
			Logger:            logging.Named(opts.Logger, "rest"),
		})
	}

	w.channel = signaling.NewChannel(signaling.Options{
		URL:                   eventBridgeURL(opts.EventBridgeURL, info),
		Token:                 token,
		ClientVersion:         opts.ClientVersion,
		CloseExistingSessions: opts.CloseExistingSessions,
		HeartbeatInterval:     opts.HeartbeatInterval,
		TokenExpiryBuffer:     opts.TokenExpiryBuffer,
		Policy:                opts.Policy,
		Dialer:                opts.Dialer,
		Logger:                logging.Named(opts.Logger, "signaling"),
		Registerer:            opts.MetricsRegisterer,
	})
	w.lifecycle = w.channel.Subscribe(signaling.Listener{
		OnConnected:    w.handleConnected,
		OnDisconnected: w.handleDisconnected,
		OnError:        w.notifyError,
		OnTokenExpired: w.handleTokenExpired,
	})

	if err := w.hooks.AddHook(ShutdownPhaseFinal, NewLogFlushHook(opts.Logger)); err != nil {
		return nil, err
	}
	return w, nil
}

func eventBridgeURL(base string, info TokenInfo) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(info.AccountSid) + "/" + url.PathEscape(info.WorkerSid)
}

// Connect opens the event bridge session. The entity graph is filled in
// the background; use WaitReady or OnReady to know when it is usable. A
// failed first dial is returned while the session keeps retrying.
func (w *Worker) Connect(ctx context.Context) error {
	w.mu.RLock()
	expiresAt := w.tokenExpiresAt
	w.mu.RUnlock()

	if !expiresAt.IsZero() {
		lifetime := time.Until(expiresAt)
		if lifetime <= 0 {
			return ErrTokenExpired
		}
		w.channel.SetLifetime(lifetime)
	}

	if err := w.channel.Connect(ctx); err != nil {
		if errors.Is(err, signaling.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("connect worker %s: %w", w.sid, err)
	}
	return nil
}

// WaitReady blocks until the first sync succeeds, fails, or ctx ends.
func (w *Worker) WaitReady(ctx context.Context) error {
	if w.Ready() {
		return nil
	}
	select {
	case <-w.ready:
		return nil
	case err := <-w.syncErr:
		return err
	case <-w.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the first sync has completed.
func (w *Worker) Ready() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// handleConnected replaces the event subscription and starts a sync. It
// runs on the dispatcher before any frame of the new connection.
func (w *Worker) handleConnected() {
	w.subMu.Lock()
	w.events.Unsubscribe()
	w.events = w.channel.Subscribe(signaling.Listener{
		OnEvent: func(eventType string, payload json.RawMessage) {
			defer w.enterCallback()()
			_ = w.HandleEvent(eventType, payload)
		},
	})
	w.subMu.Unlock()

	func() {
		defer w.enterCallback()()
		for _, cb := range w.observers.snapshot() {
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		}
	}()

	w.syncWG.Add(1)
	go w.sync()
}

// enterCallback marks a worker goroutine as running user callbacks and
// returns the matching exit func.
func (w *Worker) enterCallback() func() {
	w.callbacks.Add(1)
	return func() { w.callbacks.Add(-1) }
}

func (w *Worker) handleDisconnected(reason string) {
	defer w.enterCallback()()
	for _, cb := range w.observers.snapshot() {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(reason)
		}
	}
}

func (w *Worker) handleTokenExpired() {
	w.logger.Warn("access token expired", "workerSid", w.sid)
	defer w.enterCallback()()
	for _, cb := range w.observers.snapshot() {
		if cb.OnTokenExpired != nil {
			cb.OnTokenExpired()
		}
	}
}

func (w *Worker) notifyError(err error) {
	defer w.enterCallback()()
	for _, cb := range w.observers.snapshot() {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
}

// sync refreshes the whole graph. Syncs triggered by quick reconnects run
// one after another.
func (w *Worker) sync() {
	defer w.syncWG.Done()
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := w.refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.metrics.syncs.WithLabelValues("error").Inc()
		w.logger.Error("worker sync failed", "workerSid", w.sid, "error", err)
		if !w.Ready() {
			select {
			case w.syncErr <- err:
			default:
			}
		}
		w.notifyError(err)
		return
	}
	w.metrics.syncs.WithLabelValues("ok").Inc()
	w.logger.Info("worker synced", "workerSid", w.sid, "duration", time.Since(start))

	first := false
	w.readyOnce.Do(func() {
		first = true
		close(w.ready)
	})
	if !first {
		return
	}

	func() {
		defer w.enterCallback()()
		for _, cb := range w.observers.snapshot() {
			if cb.OnReady != nil {
				cb.OnReady()
			}
		}
	}()

	if w.opts.ConnectActivitySid != "" {
		if err := w.setConnectActivity(ctx, w.opts.ConnectActivitySid); err != nil && ctx.Err() == nil {
			w.logger.Error("failed to set connect activity", "activitySid", w.opts.ConnectActivitySid, "error", err)
			w.notifyError(err)
		}
	}
}

// refresh fetches the worker resource, then activities, channels and
// reservations in parallel.
func (w *Worker) refresh(ctx context.Context) error {
	raw, err := w.requester.Get(ctx, w.workerPath(), w.opts.APIVersion, nil)
	if err != nil {
		return fmt.Errorf("fetch worker %s: %w", w.sid, err)
	}
	var p workerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode worker %s: %v: %w", w.sid, err, ErrInvalidPayload)
	}

	w.mu.Lock()
	setString(&w.activitySid, p.ActivitySid)
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.refreshActivities(gctx) })
	g.Go(func() error { return w.refreshChannels(gctx) })
	g.Go(func() error { return w.refreshReservations(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	w.applyWorkerLocked(&p)
	w.mu.Unlock()
	return nil
}

// setConnectActivity moves the worker to sid, retrying transient failures
// with the reconnect backoff.
func (w *Worker) setConnectActivity(ctx context.Context, sid string) error {
	op := func() (struct{}, error) {
		err := w.SetActivity(ctx, sid, SetActivityOptions{})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrUnknownActivity) || !rest.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("retrying connect activity update",
			"activitySid", sid,
			"status", rest.StatusCode(err),
			"retryIn", next,
			"error", err,
		)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(w.opts.Policy),
		backoff.WithMaxTries(uint(w.opts.ConnectActivityMaxRetries+1)),
		backoff.WithNotify(notify),
	)
	return err
}

// applyWorkerLocked copies the payload into the worker. Callers hold w.mu.
func (w *Worker) applyWorkerLocked(p *workerPayload) {
	setString(&w.name, p.FriendlyName)
	if p.Attributes != nil {
		w.attributes = p.Attributes.clone()
	}
	setBool(&w.available, p.Available)
	setString(&w.activityName, p.ActivityName)
	if p.ActivitySid != nil {
		w.activitySid = *p.ActivitySid
		w.activities.setCurrent(w.activitySid)
	}
	setTime(&w.dateCreated, p.DateCreated)
	setTime(&w.dateUpdated, p.DateUpdated)
	setTime(&w.dateStatusChanged, p.DateStatusChanged)
	setVersion(&w.version, p.Version)
}

// Sid returns the worker sid.
func (w *Worker) Sid() string { return w.sid }

// AccountSid returns the account sid from the access token.
func (w *Worker) AccountSid() string { return w.accountSid }

// WorkspaceSid returns the workspace sid from the access token.
func (w *Worker) WorkspaceSid() string { return w.workspaceSid }

func (w *Worker) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.name
}

// Attributes returns a copy of the worker attributes.
func (w *Worker) Attributes() Attributes {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.attributes.clone()
}

func (w *Worker) Available() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.available
}

// Activity returns the current activity, or nil before the first sync.
func (w *Worker) Activity() *Activity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activities.current
}

// Activities returns the workspace activities sorted by sid.
func (w *Worker) Activities() []*Activity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activities.list()
}

// Channels returns the worker's channels sorted by sid.
func (w *Worker) Channels() []*Channel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.channels.list()
}

// Reservations returns the reservations that have not ended, oldest first.
func (w *Worker) Reservations() []*Reservation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reservations.visible()
}

// Reservation resolves sid, including reservations that ended within the
// soft-delete grace window.
func (w *Worker) Reservation(sid string) (*Reservation, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reservations.get(sid)
}

func (w *Worker) Version() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

func (w *Worker) DateCreated() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dateCreated
}

func (w *Worker) DateUpdated() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dateUpdated
}

func (w *Worker) DateStatusChanged() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dateStatusChanged
}

// Observe registers callbacks and returns a function that removes them.
func (w *Worker) Observe(cb WorkerCallbacks) func() {
	return w.observers.add(cb)
}

// SetActivity moves the worker to the activity with sid.
func (w *Worker) SetActivity(ctx context.Context, sid string, opts SetActivityOptions) error {
	w.mu.RLock()
	a, ok := w.activities.get(sid)
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("activity %s: %w", sid, ErrUnknownActivity)
	}
	return a.SetAsCurrent(ctx, opts)
}

// SetAttributes replaces the worker attributes. The write is conditional on
// the worker version held locally.
func (w *Worker) SetAttributes(ctx context.Context, attrs any) error {
	encoded, err := EncodeAttributes(attrs)
	if err != nil {
		return err
	}
	w.mu.RLock()
	version := w.version
	w.mu.RUnlock()

	params := url.Values{}
	params.Set("Attributes", encoded)
	if err := w.updateWorker(ctx, params, &version); err != nil {
		return fmt.Errorf("set worker attributes: %w", err)
	}
	return nil
}

// updateWorker posts params to the worker resource and applies the response.
func (w *Worker) updateWorker(ctx context.Context, params url.Values, ifMatch *int64) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	raw, err := w.requester.Post(ctx, w.workerPath(), params, w.opts.APIVersion, ifMatch)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var p workerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode worker %s: %v: %w", w.sid, err, ErrInvalidPayload)
	}
	w.mu.Lock()
	w.applyWorkerLocked(&p)
	w.mu.Unlock()
	return nil
}

// UpdateToken swaps in a refreshed access token. REST calls use it
// immediately; the event bridge uses it on the next connection, or right
// away if the session is down.
func (w *Worker) UpdateToken(token string) error {
	info, err := ParseToken(token)
	if err != nil {
		return err
	}
	if info.WorkerSid != w.sid || info.WorkspaceSid != w.workspaceSid {
		return fmt.Errorf("token is for worker %s in %s: %w", info.WorkerSid, info.WorkspaceSid, ErrInvalidToken)
	}

	if w.tokens != nil {
		w.tokens.Set(token)
	}
	if err := w.channel.UpdateToken(token); err != nil {
		if errors.Is(err, signaling.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	if !info.ExpiresAt.IsZero() {
		w.channel.SetLifetime(info.Lifetime(time.Now()))
	}

	w.mu.Lock()
	w.tokenExpiresAt = info.ExpiresAt
	w.mu.Unlock()

	w.logger.Info("access token updated", "workerSid", w.sid, "expiresAt", info.ExpiresAt)
	for _, cb := range w.observers.snapshot() {
		if cb.OnTokenUpdated != nil {
			cb.OnTokenUpdated()
		}
	}
	return nil
}

// Disconnect ends the event bridge session. The worker cannot reconnect
// afterwards. Reservations that already ended stay resolvable until their
// grace window passes.
func (w *Worker) Disconnect(reason string) {
	w.cancel()
	w.channel.Disconnect(reason)

	w.subMu.Lock()
	w.events.Unsubscribe()
	w.events = nil
	w.subMu.Unlock()
}

// Close runs the pre-disconnect hooks, disconnects, drops every ended
// reservation without waiting for its grace window, and runs the remaining
// hooks. It returns the first hook error.
//
// Called from a worker callback, Close starts the teardown and returns nil
// at once; the teardown finishes after the callback returns. Use Closed to
// wait for it.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		go w.teardown()
	})
	if w.callbacks.Load() > 0 {
		w.logger.Debug("close requested from a callback; not waiting for teardown", "workerSid", w.sid)
		return nil
	}
	<-w.closed
	return w.closeErr
}

// Closed is closed once Close has finished tearing the worker down.
func (w *Worker) Closed() <-chan struct{} {
	return w.closed
}

func (w *Worker) teardown() {
	defer close(w.closed)
	ctx := context.Background()
	record := func(err error) {
		if err != nil && w.closeErr == nil {
			w.closeErr = err
		}
	}

	record(w.hooks.ExecutePhase(ctx, ShutdownPhasePreDisconnect))
	w.Disconnect("worker closed")
	<-w.channel.Done()
	w.syncWG.Wait()

	w.mu.Lock()
	purged := w.reservations.purgeAll()
	w.metrics.reservations.Set(float64(w.reservations.visibleCount()))
	w.mu.Unlock()
	if purged > 0 {
		w.metrics.purges.Add(float64(purged))
	}
	w.logger.Info("worker closed", "workerSid", w.sid, "purged", purged)

	record(w.hooks.ExecutePhase(ctx, ShutdownPhasePostDisconnect))
	record(w.hooks.ExecutePhase(ctx, ShutdownPhaseFinal))
}

// AddShutdownHook registers a hook run by Close.
func (w *Worker) AddShutdownHook(phase ShutdownPhase, hook ShutdownHook) error {
	return w.hooks.AddHook(phase, hook)
}

// RemoveShutdownHook removes a hook registered under name.
func (w *Worker) RemoveShutdownHook(phase ShutdownPhase, name string) bool {
	return w.hooks.RemoveHook(phase, name)
}

// State returns the event bridge connection state.
func (w *Worker) State() signaling.State {
	return w.channel.State()
}

// EventListenerCount returns how many event subscriptions are active on
// the event bridge session.
func (w *Worker) EventListenerCount() int {
	return w.channel.EventListenerCount()
}

// Health returns a JSON-serializable snapshot for monitoring.
func (w *Worker) Health() map[string]interface{} {
	w.mu.RLock()
	health := map[string]interface{}{
		"worker_sid":        w.sid,
		"workspace_sid":     w.workspaceSid,
		"activity_sid":      w.activitySid,
		"available":         w.available,
		"version":           w.version,
		"activities":        len(w.activities.byID),
		"channels":          len(w.channels.byID),
		"reservations":      w.reservations.visibleCount(),
		"held_reservations": len(w.reservations.entries),
		"token_expires_at":  w.tokenExpiresAt,
	}
	w.mu.RUnlock()

	health["state"] = w.channel.State().String()
	health["ready"] = w.Ready()
	health["event_listeners"] = w.channel.EventListenerCount()
	health["protocol"] = w.protocol.Metrics()
	health["shutdown_hooks"] = w.hooks.HookCount()
	return health
}

// Protocol returns the event validation handler.
func (w *Worker) Protocol() *ProtocolHandler {
	return w.protocol
}

func (w *Worker) workspacePath() string {
	return "Workspaces/" + w.workspaceSid
}

func (w *Worker) workerPath() string {
	return w.workspacePath() + "/Workers/" + w.sid
}

func (w *Worker) reservationPath(sid string) string {
	return w.workerPath() + "/Reservations/" + sid
}

func (w *Worker) taskPath(sid string) string {
	return w.workspacePath() + "/Tasks/" + sid
}

func (w *Worker) transfersPath(taskSid string) string {
	return w.taskPath(taskSid) + "/Transfers"
}

func (w *Worker) transferPath(taskSid, sid string) string {
	return w.transfersPath(taskSid) + "/" + sid
}
