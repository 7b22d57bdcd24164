package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
)

// RequestCall records one REST call made through MockRequester.
type RequestCall struct {
	Method     string
	Path       string
	APIVersion string
	Params     url.Values
	Query      url.Values
	IfMatch    *int64
}

type mockResponse struct {
	body   json.RawMessage
	err    error
	served bool
}

// MockRequester is a scripted REST requester. Responses are queued per
// method and path; the last queued response for a route is repeated until
// a new one is queued. Unrouted calls go to the fallback handler, or fail.
type MockRequester struct {
	mu       sync.Mutex
	routes   map[string][]mockResponse
	fallback func(call RequestCall) (json.RawMessage, error)
	calls    []RequestCall
}

func NewMockRequester() *MockRequester {
	return &MockRequester{routes: make(map[string][]mockResponse)}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// On queues body as the next response for method and path.
func (m *MockRequester) On(method, path, body string) *MockRequester {
	m.mu.Lock()
	defer m.mu.Unlock()
	var raw json.RawMessage
	if body != "" {
		raw = json.RawMessage(body)
	}
	m.enqueue(routeKey(method, path), mockResponse{body: raw})
	return m
}

// OnError queues err as the next response for method and path.
func (m *MockRequester) OnError(method, path string, err error) *MockRequester {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(routeKey(method, path), mockResponse{err: err})
	return m
}

func (m *MockRequester) enqueue(key string, resp mockResponse) {
	queue := m.routes[key]
	if len(queue) == 1 && queue[0].served {
		queue = nil
	}
	m.routes[key] = append(queue, resp)
}

// Handle sets the handler for calls without a queued response.
func (m *MockRequester) Handle(fn func(call RequestCall) (json.RawMessage, error)) *MockRequester {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

func (m *MockRequester) Post(ctx context.Context, path string, params url.Values, apiVersion string, ifMatch *int64) (json.RawMessage, error) {
	call := RequestCall{Method: "POST", Path: path, APIVersion: apiVersion, Params: params}
	if ifMatch != nil {
		v := *ifMatch
		call.IfMatch = &v
	}
	return m.respond(ctx, call)
}

func (m *MockRequester) Get(ctx context.Context, path string, apiVersion string, query url.Values) (json.RawMessage, error) {
	return m.respond(ctx, RequestCall{Method: "GET", Path: path, APIVersion: apiVersion, Query: query})
}

func (m *MockRequester) respond(ctx context.Context, call RequestCall) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	key := routeKey(call.Method, call.Path)
	queue := m.routes[key]
	if len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 {
			m.routes[key] = queue[1:]
		} else {
			queue[0].served = true
		}
		m.mu.Unlock()
		return resp.body, resp.err
	}
	fallback := m.fallback
	m.mu.Unlock()

	if fallback != nil {
		return fallback(call)
	}
	return nil, fmt.Errorf("mocks: no response for %s %s", call.Method, call.Path)
}

// Calls returns every recorded call in order.
func (m *MockRequester) Calls() []RequestCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RequestCall(nil), m.calls...)
}

// CallsTo returns the recorded calls for method and path.
func (m *MockRequester) CallsTo(method, path string) []RequestCall {
	var out []RequestCall
	for _, c := range m.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls. Queued responses are kept.
func (m *MockRequester) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
