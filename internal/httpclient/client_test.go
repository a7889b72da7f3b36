package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/memorio/session-agent/internal/errors"
	"github.com/memorio/session-agent/internal/requestid"
)

const cookieName = "memorio_session"

// fakeAPI accepts requests to /api/* only with the current session cookie.
type fakeAPI struct {
	current    atomic.Value // string
	apiHits    atomic.Int32
	refreshes  atomic.Int32
	lastBody   atomic.Value // string
	alwaysDeny bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "v1", Path: "/"})
		f.current.Store("v1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		n := f.refreshes.Add(1)
		val := "v" + strconv.Itoa(int(n)+1)
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: val, Path: "/"})
		f.current.Store(val)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		f.apiHits.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.lastBody.Store(string(body))
		c, err := r.Cookie(cookieName)
		cur, _ := f.current.Load().(string)
		if f.alwaysDeny || err != nil || c.Value != cur {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/api/broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

func setup(t *testing.T, api *fakeAPI) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, Options{}, zerolog.Nop())
	require.NoError(t, err)
	return c, srv
}

func login(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.DoJSON(WithoutRefresh(context.Background()), http.MethodPost, "/auth/login", struct{}{}, nil))
}

// invalidate rotates the server-side session so the client's cookie is stale.
func invalidate(api *fakeAPI) {
	api.current.Store("rotated-elsewhere")
}

func TestClient_SendsSessionCookie(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)
	login(t, c)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.DoJSON(context.Background(), http.MethodGet, "/api/profile", nil, &out))
	assert.True(t, out.OK)
}

func TestClient_ReactiveRefreshRetriesOnce(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)
	login(t, c)
	invalidate(api)

	var refreshCalls atomic.Int32
	c.SetRefresher(func(ctx context.Context) error {
		refreshCalls.Add(1)
		return c.DoJSON(WithoutRefresh(ctx), http.MethodPost, "/auth/refresh", struct{}{}, nil)
	})

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.DoJSON(context.Background(), http.MethodGet, "/api/profile", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), api.apiHits.Load())
}

func TestClient_RetriedRequestIsNeverRetriedAgain(t *testing.T) {
	api := &fakeAPI{alwaysDeny: true}
	c, _ := setup(t, api)
	login(t, c)

	var refreshCalls, logouts atomic.Int32
	c.SetRefresher(func(ctx context.Context) error {
		refreshCalls.Add(1)
		return nil
	})
	c.OnAuthFailure(func(ctx context.Context, reason string) { logouts.Add(1) })

	err := c.DoJSON(context.Background(), http.MethodGet, "/api/profile", nil, nil)
	require.Error(t, err)
	assert.True(t, perrors.IsUnauthorized(err))
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), api.apiHits.Load())
	assert.Equal(t, int32(0), logouts.Load(), "a refreshed-but-rejected retry does not log out")
}

func TestClient_RefreshFailureLogsOutAndReturnsOriginal(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)
	login(t, c)
	invalidate(api)

	var reasons []string
	c.SetRefresher(func(ctx context.Context) error {
		return perrors.FromStatus("memorio", 401, "refresh token revoked")
	})
	c.OnAuthFailure(func(ctx context.Context, reason string) { reasons = append(reasons, reason) })

	err := c.DoJSON(context.Background(), http.MethodGet, "/api/profile", nil, nil)
	require.Error(t, err)
	var apiErr *perrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "session expired")
	assert.Equal(t, []string{ReasonReactive}, reasons)
	assert.Equal(t, int32(1), api.apiHits.Load())
}

func TestClient_CallerCancellationDuringRefreshKeepsSession(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)
	login(t, c)
	invalidate(api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reasons []string
	c.SetRefresher(func(rctx context.Context) error {
		cancel()
		return rctx.Err()
	})
	c.OnAuthFailure(func(ctx context.Context, reason string) { reasons = append(reasons, reason) })

	err := c.DoJSON(ctx, http.MethodGet, "/api/profile", nil, nil)
	require.Error(t, err)
	assert.True(t, perrors.IsUnauthorized(err))
	assert.Empty(t, reasons)
	assert.Equal(t, int32(1), api.apiHits.Load())
}

func TestClient_NonUnauthorizedPassesThrough(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)
	login(t, c)

	var refreshCalls atomic.Int32
	c.SetRefresher(func(ctx context.Context) error {
		refreshCalls.Add(1)
		return nil
	})

	err := c.DoJSON(context.Background(), http.MethodGet, "/api/broken", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrUnavailable)
	assert.Equal(t, int32(0), refreshCalls.Load())
}

func TestClient_WithoutRefreshSkipsInterceptor(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)

	var refreshCalls atomic.Int32
	c.SetRefresher(func(ctx context.Context) error {
		refreshCalls.Add(1)
		return nil
	})

	err := c.DoJSON(WithoutRefresh(context.Background()), http.MethodGet, "/api/profile", nil, nil)
	assert.True(t, perrors.IsUnauthorized(err))
	assert.Equal(t, int32(0), refreshCalls.Load())
}

func TestClient_NoRefresherReturnsError(t *testing.T) {
	api := &fakeAPI{}
	c, _ := setup(t, api)

	err := c.DoJSON(context.Background(), http.MethodGet, "/api/profile", nil, nil)
	assert.True(t, perrors.IsUnauthorized(err))
	assert.Equal(t, int32(1), api.apiHits.Load())
}

func TestClient_RetryReplaysBody(t *testing.T) {
	api := &fakeAPI{}
	c, srv := setup(t, api)
	login(t, c)
	invalidate(api)
	c.SetRefresher(func(ctx context.Context) error {
		return c.DoJSON(WithoutRefresh(ctx), http.MethodPost, "/auth/refresh", struct{}{}, nil)
	})

	// A caller-built request with a plain reader (no GetBody).
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/answers", io.NopCloser(strings.NewReader(`{"answer":42}`)))
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(2), api.apiHits.Load())
	assert.Equal(t, `{"answer":42}`, api.lastBody.Load())
}

func TestClient_StampsRequestID(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get(requestid.Header)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, Options{}, zerolog.Nop())
	require.NoError(t, err)
	ctx := requestid.WithRequestID(context.Background(), "trace-7")
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, "/api/ping", nil, nil))
	assert.Equal(t, "trace-7", <-seen)
}
