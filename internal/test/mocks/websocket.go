package mocks

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMockConnClosed is returned by reads and writes on a closed mock.
var ErrMockConnClosed = errors.New("mock connection closed")

// MockWebSocketConn implements a scripted WebSocket connection for testing.
// Reads block until a message is pushed, the server side drops the
// connection, or Close is called.
type MockWebSocketConn struct {
	mu            sync.Mutex
	WriteMessages []MockMessage
	reads         chan MockMessage
	closed        chan struct{}
	closeOnce     sync.Once
	writeErr      error
	closeCount    int
}

type MockMessage struct {
	MessageType int
	Data        []byte
	Error       error
}

func NewMockWebSocketConn() *MockWebSocketConn {
	return &MockWebSocketConn{
		WriteMessages: make([]MockMessage, 0),
		reads:         make(chan MockMessage, 64),
		closed:        make(chan struct{}),
	}
}

func (m *MockWebSocketConn) Close() error {
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

// Closed reports whether Close was called.
func (m *MockWebSocketConn) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (m *MockWebSocketConn) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *MockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed() {
		return websocket.ErrCloseSent
	}

	if m.writeErr != nil {
		return m.writeErr
	}

	m.WriteMessages = append(m.WriteMessages, MockMessage{
		MessageType: messageType,
		Data:        data,
	})
	return nil
}

func (m *MockWebSocketConn) ReadMessage() (messageType int, p []byte, err error) {
	select {
	case <-m.closed:
		return 0, nil, ErrMockConnClosed
	case msg := <-m.reads:
		if msg.Error != nil {
			return 0, nil, msg.Error
		}
		return msg.MessageType, msg.Data, nil
	}
}

func (m *MockWebSocketConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// AddReadMessage queues a text frame to be read
func (m *MockWebSocketConn) AddReadMessage(data string) {
	m.reads <- MockMessage{MessageType: websocket.TextMessage, Data: []byte(data)}
}

// Drop makes the pending read fail with err, as if the server went away.
func (m *MockWebSocketConn) Drop(err error) {
	if err == nil {
		err = &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
	m.reads <- MockMessage{Error: err}
}

// GetWrittenMessages returns all messages written to the connection
func (m *MockWebSocketConn) GetWrittenMessages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage{}, m.WriteMessages...)
}

// SetWriteError sets an error to be returned on next write
func (m *MockWebSocketConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// MockDialer hands out queued connections. When the queue is empty it
// returns DialError, or a fresh connection if DialError is nil.
type MockDialer struct {
	mu        sync.Mutex
	queue     []*MockWebSocketConn
	errs      []error
	DialError error
	URLs      []string
	Headers   []http.Header
	dialed    chan *MockWebSocketConn
}

func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockWebSocketConn, 64)}
}

// Enqueue adds connections returned by subsequent dials, in order.
func (d *MockDialer) Enqueue(conns ...*MockWebSocketConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conns...)
}

// FailNext makes the next len(errs) dials fail with the given errors.
func (d *MockDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Dial records the request and returns the next scripted connection.
func (d *MockDialer) Dial(ctx context.Context, urlStr string, requestHeader http.Header) (*MockWebSocketConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.URLs = append(d.URLs, urlStr)
	d.Headers = append(d.Headers, requestHeader)

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}

	var conn *MockWebSocketConn
	if len(d.queue) > 0 {
		conn = d.queue[0]
		d.queue = d.queue[1:]
	} else if d.DialError != nil {
		err := d.DialError
		d.mu.Unlock()
		return nil, err
	} else {
		conn = NewMockWebSocketConn()
	}
	d.mu.Unlock()

	d.dialed <- conn
	return conn, nil
}

// Dialed delivers each connection handed out by Dial.
func (d *MockDialer) Dialed() <-chan *MockWebSocketConn {
	return d.dialed
}

// DialCount returns the number of dial attempts.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.URLs)
}

// LastURL returns the URL of the most recent dial.
func (d *MockDialer) LastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.URLs) == 0 {
		return ""
	}
	return d.URLs[len(d.URLs)-1]
}
