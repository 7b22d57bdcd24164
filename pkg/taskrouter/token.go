package taskrouter

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TaskRouterGrant is the TaskRouter section of an access token.
type TaskRouterGrant struct {
	WorkspaceSid string `json:"workspace_sid"`
	WorkerSid    string `json:"worker_sid"`
	Role         string `json:"role,omitempty"`
}

type grants struct {
	Identity   string           `json:"identity,omitempty"`
	TaskRouter *TaskRouterGrant `json:"task_router,omitempty"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Grants grants `json:"grants"`
}

// TokenInfo is what the worker needs from an access token.
type TokenInfo struct {
	AccountSid   string
	WorkspaceSid string
	WorkerSid    string
	Identity     string
	ExpiresAt    time.Time
}

// Lifetime returns the time left until expiry, measured from now. A token
// without an exp claim has zero lifetime.
func (t TokenInfo) Lifetime(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseToken decodes an access token without verifying its signature. The
// backend verifies it; the client only needs the sids and expiry.
func ParseToken(token string) (TokenInfo, error) {
	if strings.TrimSpace(token) == "" {
		return TokenInfo{}, fmt.Errorf("empty token: %w", ErrInvalidToken)
	}

	claims := &accessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%v: %w", err, ErrInvalidToken)
	}

	grant := claims.Grants.TaskRouter
	if grant == nil {
		return TokenInfo{}, fmt.Errorf("missing task_router grant: %w", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return TokenInfo{}, fmt.Errorf("missing sub claim: %w", ErrInvalidToken)
	}
	if grant.WorkspaceSid == "" || grant.WorkerSid == "" {
		return TokenInfo{}, fmt.Errorf("task_router grant requires workspace_sid and worker_sid: %w", ErrInvalidToken)
	}

	info := TokenInfo{
		AccountSid:   claims.Subject,
		WorkspaceSid: grant.WorkspaceSid,
		WorkerSid:    grant.WorkerSid,
		Identity:     claims.Grants.Identity,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
