// Package authapi implements the client side of the Memorio auth endpoints.
package authapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/memorio/session-agent/internal/httpclient"
	"github.com/memorio/session-agent/internal/retry"
)

const (
	PathLogin   = "/auth/login"
	PathRefresh = "/auth/refresh"
	PathCheck   = "/auth/check"
	PathLogout  = "/auth/logout"
)

// RefreshResult is the outcome of a successful login or refresh.
type RefreshResult struct {
	// ExpiresAt is the new session expiry; zero when the server omitted it.
	ExpiresAt time.Time
}

// HasExpiry reports whether the server returned an expiry.
func (r RefreshResult) HasExpiry() bool {
	return !r.ExpiresAt.IsZero()
}

type expiryResponse struct {
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
}

func (e expiryResponse) result() RefreshResult {
	if e.ExpiresAt == nil || *e.ExpiresAt <= 0 {
		return RefreshResult{}
	}
	return RefreshResult{ExpiresAt: time.UnixMilli(*e.ExpiresAt)}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client calls the auth endpoints through the shared HTTP client.
type Client struct {
	http   *httpclient.Client
	retry  retry.Config
	logger zerolog.Logger
}

// New creates an auth API client.
func New(hc *httpclient.Client, logger zerolog.Logger) *Client {
	return &Client{
		http:   hc,
		retry:  retry.DefaultConfig(),
		logger: logger.With().Str("component", "authapi").Logger(),
	}
}

// SetRetryConfig overrides the retry policy used by Check.
func (c *Client) SetRetryConfig(cfg retry.Config) {
	c.retry = cfg
}

// Login signs in with username and password. The session cookie lands in
// the shared client's jar.
func (c *Client) Login(ctx context.Context, username, password string) (RefreshResult, error) {
	var resp expiryResponse
	err := c.http.DoJSON(httpclient.WithoutRefresh(ctx), http.MethodPost, PathLogin,
		loginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("logging in: %w", err)
	}
	res := resp.result()
	c.logger.Info().Str("username", username).Bool("has_expiry", res.HasExpiry()).Msg("logged in")
	return res, nil
}

// Refresh renews the session. Errors keep the API status, so callers can
// tell a 401 (ErrAuthFailure) from a 429 (ErrRateLimit) from anything else.
func (c *Client) Refresh(ctx context.Context) (RefreshResult, error) {
	var resp expiryResponse
	if err := c.http.DoJSON(httpclient.WithoutRefresh(ctx), http.MethodPost, PathRefresh, struct{}{}, &resp); err != nil {
		return RefreshResult{}, fmt.Errorf("refreshing session: %w", err)
	}
	res := resp.result()
	c.logger.Debug().Time("expires_at", res.ExpiresAt).Msg("session refreshed")
	return res, nil
}

// Check verifies the current session with the server. Transient failures
// are retried; a 401 is returned immediately.
func (c *Client) Check(ctx context.Context) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if err := c.http.DoJSON(httpclient.WithoutRefresh(ctx), http.MethodGet, PathCheck, nil, nil); err != nil {
			return fmt.Errorf("checking session: %w", err)
		}
		return nil
	})
}

// IsAuthenticated reports whether the server accepts the current session.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	if err := c.Check(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("session check failed")
		return false
	}
	return true
}

// Logout ends the session on the server.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.http.DoJSON(httpclient.WithoutRefresh(ctx), http.MethodPost, PathLogout, struct{}{}, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}
