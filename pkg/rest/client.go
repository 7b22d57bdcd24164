// Package rest issues TaskRouter REST commands on behalf of a worker.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
)

const (
	// DefaultBaseURL is the TaskRouter REST endpoint.
	DefaultBaseURL = "https://taskrouter.twilio.com"

	// DefaultAPIVersion is used when a call passes an empty version.
	DefaultAPIVersion = "v1"

	defaultTimeout   = 15 * time.Second
	defaultRateLimit = rate.Limit(10) // 10 requests per second
	defaultBurstSize = 10
	maxErrorBody     = 64 << 10
)

// Requester is the pair of verbs the worker needs from the REST layer.
type Requester interface {
	// Post sends form-encoded params. When ifMatch is non-nil it is sent as
	// the If-Match version header.
	Post(ctx context.Context, path string, params url.Values, apiVersion string, ifMatch *int64) (json.RawMessage, error)

	// Get fetches path with the given query.
	Get(ctx context.Context, path string, apiVersion string, query url.Values) (json.RawMessage, error)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// TokenHolder is a TokenSource whose value can be replaced at runtime.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHolder returns a holder initialized with token.
func NewTokenHolder(token string) *TokenHolder {
	return &TokenHolder{token: token}
}

// Token returns the current token.
func (h *TokenHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Set replaces the token used by subsequent requests.
func (h *TokenHolder) Set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// Options configures a Client.
type Options struct {
	// BaseURL of the REST API. Default: DefaultBaseURL
	BaseURL string

	// Tokens supplies the bearer token. Required.
	Tokens TokenSource

	// HTTPClient overrides the transport. Default: client with Timeout
	HTTPClient *http.Client

	// Timeout per request when HTTPClient is nil. Default: 15s
	Timeout time.Duration

	// RequestsPerSecond limits outbound commands. Default: 10
	RequestsPerSecond float64

	// Burst for the rate limiter. Default: 10
	Burst int

	// UserAgent header value.
	UserAgent string

	// Logger for debugging. Default: zap production logger
	Logger logging.Logger
}

// Client is an HTTP Requester.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     logging.Logger
}

var _ Requester = (*Client)(nil)

// NewClient creates a client, applying defaults.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	limit := defaultRateLimit
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurstSize
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenHolder("")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewProduction()
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tokens:     opts.Tokens,
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		userAgent:  opts.UserAgent,
		logger:     opts.Logger,
	}
}

// Post implements Requester.
func (c *Client) Post(ctx context.Context, path string, params url.Values, apiVersion string, ifMatch *int64) (json.RawMessage, error) {
	var body io.Reader
	if len(params) > 0 {
		body = strings.NewReader(params.Encode())
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	if ifMatch != nil {
		header.Set("If-Match", strconv.FormatInt(*ifMatch, 10))
	}

	return c.do(ctx, http.MethodPost, c.endpoint(path, apiVersion, nil), body, header)
}

// Get implements Requester.
func (c *Client) Get(ctx context.Context, path string, apiVersion string, query url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.endpoint(path, apiVersion, query), nil, http.Header{})
}

func (c *Client) endpoint(path, apiVersion string, query url.Values) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	endpoint := c.baseURL + "/" + apiVersion + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, header http.Header) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindClient, Message: "invalid request", Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		restErr := transportError(err)
		c.logger.Warn("rest request failed", "method", method, "url", endpoint, "kind", restErr.Kind.String(), "error", err)
		return nil, restErr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		restErr := &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		}
		if gjson.ValidBytes(b) {
			parsed := gjson.ParseBytes(b)
			if msg := parsed.Get("message"); msg.Exists() {
				restErr.Message = msg.String()
			}
			restErr.Code = int(parsed.Get("code").Int())
		}
		c.logger.Warn("rest request rejected",
			"method", method,
			"url", endpoint,
			"status", resp.StatusCode,
			"code", restErr.Code,
			"message", restErr.Message,
		)
		return nil, restErr
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	c.logger.Debug("rest request completed", "method", method, "url", endpoint, "status", resp.StatusCode, "duration", time.Since(start))

	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(b) {
		return nil, &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid JSON response (%d bytes)", len(b))}
	}
	return json.RawMessage(b), nil
}
