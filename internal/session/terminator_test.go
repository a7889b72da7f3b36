package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorio/session-agent/internal/metrics"
)

type fakeLogoutAPI struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLogoutAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

func TestTerminator_StopsComponentsThenRedirects(t *testing.T) {
	api := &fakeLogoutAPI{}
	var order []string
	term := NewTerminator(api, RedirectFunc(func(reason string) {
		order = append(order, "redirect:"+reason)
	}), nil, zerolog.Nop())
	term.Register(stopFunc(func() { order = append(order, "stop-a") }))
	term.Register(stopFunc(func() { order = append(order, "stop-b") }))

	term.Logout(context.Background(), "user")

	assert.Equal(t, []string{"stop-a", "stop-b", "redirect:user"}, order)
	assert.Equal(t, 1, api.calls)
}

func TestTerminator_RedirectsWhenServerLogoutFails(t *testing.T) {
	api := &fakeLogoutAPI{err: errors.New("connection refused")}
	var redirected []string
	term := NewTerminator(api, RedirectFunc(func(reason string) {
		redirected = append(redirected, reason)
	}), nil, zerolog.Nop())

	term.Logout(context.Background(), ReasonRefreshUnauthorized)

	assert.Equal(t, []string{ReasonRefreshUnauthorized}, redirected)
}

func TestTerminator_CollapsesReentrantLogout(t *testing.T) {
	api := &fakeLogoutAPI{}
	term := NewTerminator(api, nil, nil, zerolog.Nop())
	term.Register(stopFunc(func() { term.Logout(context.Background(), "nested") }))

	term.Logout(context.Background(), "user")
	assert.Equal(t, 1, api.calls)

	term.Logout(context.Background(), "again")
	assert.Equal(t, 2, api.calls, "a finished logout does not block the next one")
}

func TestTerminator_RecordsReason(t *testing.T) {
	m := metrics.New()
	term := NewTerminator(&fakeLogoutAPI{}, nil, m, zerolog.Nop())

	term.Logout(context.Background(), "user")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LogoutsTotal.WithLabelValues("user")))
}

func TestTerminator_EndsManagedSession(t *testing.T) {
	h := newHarness(t)
	api := &fakeLogoutAPI{}
	var redirected []string
	term := NewTerminator(api, RedirectFunc(func(reason string) {
		redirected = append(redirected, reason)
	}), nil, zerolog.Nop())
	term.Register(h.m)
	h.m.logout = term.Logout

	h.api.queue(refreshReply{err: errUnauthorized})
	h.start(t)
	require.Equal(t, OutcomeTerminated, h.m.RefreshProactively(context.Background()))

	assert.Equal(t, 1, api.calls)
	assert.Equal(t, []string{ReasonRefreshUnauthorized}, redirected)
	assert.False(t, h.m.State().Running)
	assert.Zero(t, h.clk.Pending())
}
