package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

func newTestClient(t *testing.T, baseURL string, tokens TokenSource) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:           baseURL,
		Tokens:            tokens,
		Timeout:           time.Second,
		RequestsPerSecond: 1000,
		Logger:            logging.NewZapLogger(zaptest.NewLogger(t)),
	})
}

func TestClientPost(t *testing.T) {
	var got *http.Request
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"WR1","reservation_status":"accepted"}`))
	}))
	defer server.Close()

	tokens := NewTokenHolder("tok-1")
	c := newTestClient(t, server.URL, tokens)

	version := int64(7)
	params := url.Values{"ReservationStatus": {"accepted"}}
	resp, err := c.Post(context.Background(), "Workspaces/WS1/Workers/WK1/Reservations/WR1", params, "", &version)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sid":"WR1","reservation_status":"accepted"}`, string(resp))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/Workspaces/WS1/Workers/WK1/Reservations/WR1", got.URL.Path)
	assert.Equal(t, "Bearer tok-1", got.Header.Get("Authorization"))
	assert.Equal(t, "7", got.Header.Get("If-Match"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Equal(t, "ReservationStatus=accepted", body)

	// Token updates apply to the next request.
	tokens.Set("tok-2")
	_, err = c.Post(context.Background(), "Workspaces/WS1/Workers/WK1", nil, "v2", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", got.Header.Get("Authorization"))
	assert.Equal(t, "/v2/Workspaces/WS1/Workers/WK1", got.URL.Path)
	assert.Empty(t, got.Header.Get("If-Match"))
}

func TestClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "50", r.URL.Query().Get("PageSize"))
		assert.Equal(t, "WA9", r.URL.Query().Get("AfterSid"))
		_, _ = w.Write([]byte(`{"contents":[],"after_sid":null}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, NewTokenHolder("tok"))
	resp, err := c.Get(context.Background(), "/Workspaces/WS1/Activities", "", url.Values{
		"PageSize": {"50"},
		"AfterSid": {"WA9"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"contents":[],"after_sid":null}`, string(resp))
}

func TestClientEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	resp, err := c.Post(context.Background(), "Workspaces/WS1/Tasks/WT1/Transfers/TT1", nil, "", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      Kind
		code      int
		message   string
		retryable bool
	}{
		{
			name:    "client error with backend message",
			status:  http.StatusBadRequest,
			body:    `{"code":20001,"message":"Worker is not available","status":400}`,
			kind:    KindClient,
			code:    20001,
			message: "Worker is not available",
		},
		{
			name:    "precondition failed",
			status:  http.StatusPreconditionFailed,
			body:    `{"message":"version mismatch"}`,
			kind:    KindClient,
			message: "version mismatch",
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      "slow down",
			kind:      KindClient,
			message:   "slow down",
			retryable: true,
		},
		{
			name:      "service unavailable",
			status:    http.StatusServiceUnavailable,
			body:      `{"message":"try later"}`,
			kind:      KindServer,
			message:   "try later",
			retryable: true,
		},
		{
			name:    "not implemented",
			status:  http.StatusNotImplemented,
			kind:    KindServer,
			message: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, nil)
			_, err := c.Get(context.Background(), "Workspaces/WS1/Workers/WK1", "", nil)
			require.Error(t, err)

			var restErr *Error
			require.True(t, errors.As(err, &restErr))
			assert.Equal(t, tt.kind, restErr.Kind)
			assert.Equal(t, tt.status, restErr.StatusCode)
			assert.Equal(t, tt.code, restErr.Code)
			assert.Equal(t, tt.message, restErr.Message)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.status, StatusCode(err))
			assert.True(t, IsKind(err, tt.kind))
		})
	}
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Options{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
		Logger:  logging.NewZapLogger(zaptest.NewLogger(t)),
	})

	_, err := c.Get(context.Background(), "Workspaces/WS1/Workers/WK1", "", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, StatusCode(err))
}

func TestClientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c := newTestClient(t, baseURL, nil)
	_, err := c.Post(context.Background(), "Workspaces/WS1/Workers/WK1", nil, "", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNetwork), "got %v", err)
	assert.True(t, IsRetryable(err))
}

func TestClientInvalidJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	_, err := c.Get(context.Background(), "Workspaces/WS1/Workers/WK1", "", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindServer))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(&Error{Kind: KindClient, StatusCode: 404}))
	assert.True(t, IsRetryable(&Error{Kind: KindServer, StatusCode: 502}))
	assert.True(t, IsRetryable(&Error{Kind: KindServer, StatusCode: 504}))
	assert.True(t, IsRetryable(&Error{Kind: KindNetwork}))
	assert.False(t, IsRetryable(&Error{Kind: KindServer, StatusCode: 501}))
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindClient, StatusCode: 400, Code: 20001, Message: "bad"}
	assert.Equal(t, "rest client error (status 400, code 20001): bad", err.Error())

	err = &Error{Kind: KindNetwork, Err: errors.New("connection refused")}
	assert.Equal(t, "rest network error: connection refused", err.Error())
}
