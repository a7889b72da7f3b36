// Package httpclient is the shared request pipeline for the Memorio API.
//
// Every request carries the session cookies from the client's jar. A 401 on
// an ordinary request triggers one refresh and one resend of that request;
// if the refresh fails the session is ended through the auth-failure hook.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/memorio/session-agent/internal/errors"
	"github.com/memorio/session-agent/internal/metrics"
	"github.com/memorio/session-agent/internal/requestid"
)

// ReasonReactive is the logout reason reported when a reactive refresh fails.
const ReasonReactive = "reactive_refresh_failed"

const (
	serviceName  = "memorio"
	maxErrorBody = 4096
)

// Doer abstracts HTTP calls for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RefreshFunc renews the session credentials.
type RefreshFunc func(ctx context.Context) error

// LogoutFunc ends the session after an unrecoverable auth failure.
type LogoutFunc func(ctx context.Context, reason string)

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Client wraps the Memorio REST API.
type Client struct {
	baseURL string
	http    Doer
	jar     http.CookieJar
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu            sync.RWMutex
	refresh       RefreshFunc
	onAuthFailure LogoutFunc
}

// New creates a client whose requests share one cookie jar.
func New(baseURL string, opts Options, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: opts.Timeout},
		jar:     jar,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "httpclient").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(d Doer) {
	c.http = d
}

// SetRefresher sets the function used for reactive refreshes.
func (c *Client) SetRefresher(fn RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = fn
}

// OnAuthFailure sets the hook invoked when a reactive refresh fails.
func (c *Client) OnAuthFailure(fn LogoutFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthFailure = fn
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Jar returns the cookie jar holding the session credentials.
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

// NewRequest builds a request for path, JSON-encoding body when non-nil.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req. Responses with status >= 400 are returned as *errors.APIError
// with the body consumed. A 401 is recovered at most once per request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	resp, err := c.send(req)
	if err == nil || !perrors.IsUnauthorized(err) {
		return resp, err
	}
	ctx := req.Context()
	if isRetried(ctx) || !refreshAllowed(ctx) {
		return nil, err
	}

	c.mu.RLock()
	refresh, logout := c.refresh, c.onAuthFailure
	c.mu.RUnlock()
	if refresh == nil {
		return nil, err
	}

	log := c.logger.With().Str("method", req.Method).Str("path", req.URL.Path).Logger()
	if rerr := refresh(ctx); rerr != nil {
		if ctx.Err() != nil {
			// The caller gave up; the session itself may be fine.
			log.Debug().Err(rerr).Msg("request cancelled while refreshing")
			c.metrics.RecordReactiveRetry("cancelled")
			return nil, err
		}
		log.Warn().Err(rerr).Msg("reactive refresh failed, ending session")
		c.metrics.RecordReactiveRetry("refresh_failed")
		if logout != nil {
			logout(ctx, ReasonReactive)
		}
		return nil, err
	}

	retry, cerr := cloneForRetry(req)
	if cerr != nil {
		return nil, cerr
	}
	log.Debug().Msg("session refreshed, retrying request")
	c.metrics.RecordReactiveRetry("retried")
	return c.send(retry)
}

// DoJSON sends a JSON request and decodes the response into out when non-nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	requestid.Stamp(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(req.Method, 0)
		return nil, fmt.Errorf("executing request: %w", err)
	}
	c.metrics.RecordRequest(req.Method, resp.StatusCode)

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, perrors.FromStatus(serviceName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// bufferBody makes the request body replayable for a retry.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func cloneForRetry(req *http.Request) (*http.Request, error) {
	retry := req.Clone(markRetried(req.Context()))
	// The jar supplies the refreshed cookie; the header from the first
	// attempt still carries the old one.
	retry.Header.Del("Cookie")
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}
