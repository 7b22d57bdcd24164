// Package signaling maintains the event bridge WebSocket session.
//
// A Channel owns at most one connection at a time. It detects silent death
// with a heartbeat Monitor, reconnects with jittered backoff from a Policy,
// and stops reconnecting once the access token is about to expire. Decoded
// events and lifecycle notifications are delivered to subscribed Listeners
// from a single dispatcher goroutine.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

// DefaultTokenExpiryBuffer is subtracted from the token lifetime before the
// channel reports expiry.
const DefaultTokenExpiryBuffer = 5 * time.Second

const inboundBufferSize = 256

var (
	// ErrClosed is returned by operations on a channel after Disconnect.
	ErrClosed = errors.New("signaling channel closed")

	// ErrAlreadyConnected is returned by Connect on an active channel.
	ErrAlreadyConnected = errors.New("signaling channel already connected")

	// ErrMalformedFrame wraps JSON decode failures of inbound frames.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrHeartbeatTimeout is reported when the server went silent.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Channel.
type Options struct {
	// URL is the event bridge endpoint (ws:// or wss://).
	URL string

	// Token is the initial access token.
	Token string

	// ClientVersion is sent as the clientVersion query parameter.
	ClientVersion string

	// CloseExistingSessions asks the server to drop other sessions of the
	// same worker.
	CloseExistingSessions bool

	// HeartbeatInterval is the silence threshold.
	// Default: 30s
	HeartbeatInterval time.Duration

	// TokenExpiryBuffer is how early before the lifetime the token is
	// treated as expired.
	// Default: 5s
	TokenExpiryBuffer time.Duration

	// Policy computes reconnect delays. Default: NewPolicy(nil)
	Policy *Policy

	// Dialer opens connections. Default: NewWebSocketDialer()
	Dialer Dialer

	// Logger for debugging. Default: zap production logger
	Logger logging.Logger

	// Registerer receives the channel metrics. Optional.
	Registerer prometheus.Registerer
}

type inboundKind int

const (
	inboundFrame inboundKind = iota
	inboundConnected
	inboundDisconnected
	inboundError
	inboundTokenExpired
	inboundStop
)

type inbound struct {
	kind   inboundKind
	gen    uint64
	data   []byte
	reason string
	err    error
}

type envelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Channel is a self-healing event bridge session.
type Channel struct {
	opts    Options
	logger  logging.Logger
	policy  *Policy
	dialer  Dialer
	metrics *Metrics
	monitor *Monitor

	listeners registry

	mu              sync.Mutex
	state           State
	token           string
	conn            Conn
	gen             uint64
	detached        uint64
	attempt         int
	shouldReconnect bool
	started         bool
	lifetime        time.Duration
	expiryTimer     *time.Timer
	expiryGen       uint64

	inbound chan inbound
	trigger chan bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewChannel creates a disconnected channel and starts its supervisor and
// dispatcher goroutines. Disconnect releases them.
func NewChannel(opts Options) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TokenExpiryBuffer <= 0 {
		opts.TokenExpiryBuffer = DefaultTokenExpiryBuffer
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(nil)
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewProduction()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:    opts,
		logger:  opts.Logger,
		policy:  opts.Policy,
		dialer:  opts.Dialer,
		metrics: NewMetrics(opts.Registerer),
		state:   StateDisconnected,
		token:   opts.Token,
		attempt: 1,
		inbound: make(chan inbound, inboundBufferSize),
		trigger: make(chan bool, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.monitor = NewMonitor(opts.HeartbeatInterval, MonitorCallbacks{
		OnSleep:  c.handleHeartbeatSleep,
		OnWakeup: c.handleHeartbeatWakeup,
	})

	c.wg.Add(1)
	go c.supervise()
	go c.dispatch()

	return c
}

// Subscribe registers l and returns its subscription handle.
func (c *Channel) Subscribe(l Listener) *Subscription {
	return c.listeners.add(l)
}

// ListenerCount returns the number of registered listeners.
func (c *Channel) ListenerCount() int {
	return c.listeners.count()
}

// EventListenerCount returns the number of registered listeners that receive
// application events.
func (c *Channel) EventListenerCount() int {
	return c.listeners.eventCount()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the token used for the next connection.
func (c *Channel) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Attempt returns the attempt number the next reconnect will use.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect opens the first connection. A dial failure is returned and the
// channel keeps retrying in the background until Disconnect or token expiry.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.shouldReconnect = true
	c.started = true
	c.mu.Unlock()

	if err := c.open(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Error("failed to connect to event bridge", "error", err)
		c.emit(inbound{kind: inboundError, err: err})
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		c.triggerReconnect(false)
		return err
	}
	return nil
}

// SetLifetime arms the token expiry timer at lifetime minus the expiry
// buffer, replacing any previous timer.
func (c *Channel) SetLifetime(lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.lifetime = lifetime
	c.armExpiryLocked()
}

// UpdateToken replaces the access token and re-enables reconnection. The
// expiry timer is re-armed with the last lifetime; callers that know the new
// token's lifetime follow up with SetLifetime. If no connection is open the
// channel reconnects immediately with the new token, skipping any pending
// backoff. Otherwise the token is used on the next reconnect.
func (c *Channel) UpdateToken(token string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.token = token
	c.shouldReconnect = true
	if c.lifetime > 0 {
		c.armExpiryLocked()
	}
	reconnectNow := c.started && c.conn == nil
	if reconnectNow {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	c.logger.Info("signaling token updated", "reconnect", reconnectNow)
	if reconnectNow {
		c.triggerReconnect(true)
	}
	return nil
}

// Disconnect closes the session without reconnecting. Pending reconnects,
// heartbeat checks and the token timer are canceled. Listeners receive
// OnDisconnected with reason, after which the channel is unusable.
func (c *Channel) Disconnect(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.shouldReconnect = false
	c.detachLocked()
	conn := c.conn
	c.conn = nil
	c.monitor.Stop()
	c.stopExpiryLocked()
	c.mu.Unlock()

	c.cancel()
	closeConn(conn, websocket.CloseNormalClosure, reason)
	c.wg.Wait()

	c.logger.Info("signaling channel disconnected", "reason", reason)
	c.emitFinal(inbound{kind: inboundDisconnected, reason: reason})
	c.emitFinal(inbound{kind: inboundStop})
}

// Done is closed once the dispatcher has delivered the final notification
// after Disconnect.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) buildURL(token string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid event bridge url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("closeExistingSessions", strconv.FormatBool(c.opts.CloseExistingSessions))
	q.Set("clientVersion", c.opts.ClientVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// open dials a fresh connection and installs it as current.
func (c *Channel) open(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	urlStr, err := c.buildURL(token)
	if err != nil {
		return err
	}

	conn, err := c.dialer.Dial(ctx, urlStr, nil)
	if err != nil {
		return fmt.Errorf("dial event bridge: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.attempt = 1
	c.monitor.Beat()
	c.mu.Unlock()

	c.logger.Info("connected to event bridge", "url", c.opts.URL)
	// Queue connected ahead of the first frame so listeners resubscribe first.
	c.emit(inbound{kind: inboundConnected, gen: gen})
	go c.readLoop(conn, gen)
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportClose(gen, err)
			return
		}

		c.mu.Lock()
		current := gen == c.gen
		if current {
			c.monitor.Beat()
		}
		c.mu.Unlock()
		if !current {
			return
		}

		c.metrics.framesReceived.Inc()
		select {
		case c.inbound <- inbound{kind: inboundFrame, gen: gen, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleTransportClose reacts to the read side of a connection failing.
// Frames read before the failure stay queued ahead of the disconnect
// notification and are still delivered.
func (c *Channel) handleTransportClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		// Handlers were detached; heartbeat or Disconnect already handled it.
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.monitor.Stop()

	if c.state == StateReconnecting || c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}

	reconnect := c.shouldReconnect
	if reconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	_ = conn.Close()

	if !reconnect {
		c.logger.Info("event bridge connection closed; not reconnecting", "error", cause)
		return
	}

	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	c.logger.Warn("event bridge connection lost", "error", cause)
	c.emit(inbound{kind: inboundDisconnected, reason: reason})
	if !isNormalClose(cause) {
		c.emit(inbound{kind: inboundError, err: cause})
	}
	c.triggerReconnect(false)
}

func (c *Channel) handleHeartbeatSleep() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.detachLocked()
	reconnect := c.shouldReconnect
	if reconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.metrics.heartbeatSleeps.Inc()
	c.logger.Warn("event bridge heartbeat timed out", "interval", c.monitor.Interval())
	c.emit(inbound{kind: inboundDisconnected, reason: ErrHeartbeatTimeout.Error()})

	if conn != nil {
		_ = conn.Close()
	}
	if reconnect {
		c.triggerReconnect(false)
	}
}

// detachLocked retires the current connection generation. Frames of a
// detached generation that are still queued are dropped by the dispatcher.
func (c *Channel) detachLocked() {
	c.detached = c.gen
	c.gen++
}

func (c *Channel) handleHeartbeatWakeup() {
	c.logger.Debug("event bridge heartbeat armed")
}

// triggerReconnect asks the supervisor to reconnect. Requests coalesce while
// one is pending; an immediate request replaces a pending delayed one.
func (c *Channel) triggerReconnect(immediate bool) {
	for {
		select {
		case c.trigger <- immediate:
			return
		default:
		}
		if !immediate {
			return
		}
		select {
		case <-c.trigger:
		default:
		}
	}
}

func (c *Channel) supervise() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case immediate := <-c.trigger:
			c.reconnect(immediate)
		}
	}
}

func (c *Channel) reconnect(immediate bool) {
	for {
		c.mu.Lock()
		if c.state == StateClosed || !c.shouldReconnect {
			if c.state != StateClosed {
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			return
		}
		if c.state == StateConnected {
			c.mu.Unlock()
			return
		}
		attempt := c.attempt
		c.attempt++
		c.state = StateReconnecting
		c.mu.Unlock()

		var delay time.Duration
		if !immediate {
			delay = c.policy.Delay(attempt)
		}
		immediate = false

		c.metrics.reconnectAttempts.Inc()
		c.logger.Info("scheduling event bridge reconnect", "attempt", attempt, "delay", delay)

		if !c.wait(delay) {
			return
		}

		err := c.open(c.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("event bridge reconnect failed", "attempt", attempt, "error", err)
		c.emit(inbound{kind: inboundError, err: err})
	}
}

// wait sleeps for delay. An immediate reconnect request, such as a token
// update, cuts the wait short. It reports false once the channel is closing.
func (c *Channel) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-timer.C:
			return true
		case immediate := <-c.trigger:
			if immediate {
				c.logger.Debug("reconnect backoff interrupted")
				return true
			}
		}
	}
}

func (c *Channel) armExpiryLocked() {
	c.stopExpiryLocked()
	d := c.lifetime - c.opts.TokenExpiryBuffer
	if d < 0 {
		d = 0
	}
	gen := c.expiryGen
	c.expiryTimer = time.AfterFunc(d, func() {
		c.expire(gen)
	})
}

func (c *Channel) stopExpiryLocked() {
	c.expiryGen++
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}

func (c *Channel) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.expiryGen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = false
	c.expiryTimer = nil
	c.mu.Unlock()

	c.metrics.tokenExpirations.Inc()
	c.logger.Warn("signaling token expired")
	c.emit(inbound{kind: inboundTokenExpired})
}

// emit queues a notification for the dispatcher. Notifications raised after
// Disconnect began are dropped.
func (c *Channel) emit(m inbound) {
	select {
	case c.inbound <- m:
	case <-c.ctx.Done():
	case <-c.done:
	}
}

func (c *Channel) emitFinal(m inbound) {
	select {
	case c.inbound <- m:
	case <-c.done:
	}
}

func (c *Channel) dispatch() {
	defer close(c.done)
	for m := range c.inbound {
		switch m.kind {
		case inboundStop:
			return
		case inboundFrame:
			if c.isDetached(m.gen) {
				continue
			}
			c.handleFrame(m.data)
		case inboundConnected:
			for _, l := range c.listeners.snapshot() {
				if l.OnConnected != nil {
					l.OnConnected()
				}
			}
		case inboundDisconnected:
			for _, l := range c.listeners.snapshot() {
				if l.OnDisconnected != nil {
					l.OnDisconnected(m.reason)
				}
			}
		case inboundError:
			c.notifyError(m.err)
		case inboundTokenExpired:
			for _, l := range c.listeners.snapshot() {
				if l.OnTokenExpired != nil {
					l.OnTokenExpired()
				}
			}
		}
	}
}

func (c *Channel) isDetached(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen <= c.detached
}

func (c *Channel) handleFrame(data []byte) {
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.metrics.malformedFrames.Inc()
		c.logger.Error("failed to parse event bridge frame", "error", err, "size", len(data))
		c.notifyError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	if env.EventType == "" {
		c.logger.Debug("event bridge frame without event type")
		return
	}

	payload := env.Payload
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = nil
	}

	c.logger.Debug("event bridge event received", "eventType", env.EventType)
	for _, l := range c.listeners.snapshot() {
		if l.OnEvent != nil {
			l.OnEvent(env.EventType, payload)
		}
	}
}

func (c *Channel) notifyError(err error) {
	for _, l := range c.listeners.snapshot() {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}
