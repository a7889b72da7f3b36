package session

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/memorio/session-agent/internal/metrics"
)

// LogoutAPI invalidates the session on the server.
type LogoutAPI interface {
	Logout(ctx context.Context) error
}

// Stopper is anything that must halt when the session ends.
type Stopper interface {
	Stop()
}

// Redirector sends the user back to the login screen.
type Redirector interface {
	RedirectToLogin(reason string)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(reason string)

// RedirectToLogin calls f.
func (f RedirectFunc) RedirectToLogin(reason string) { f(reason) }

// Terminator ends a session: it stops registered components, asks the
// server to log out and redirects to login. The server call is best effort.
type Terminator struct {
	api      LogoutAPI
	redirect Redirector
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu         sync.Mutex
	stoppers   []Stopper
	inProgress bool
}

// NewTerminator creates a Terminator. redirect may be nil.
func NewTerminator(api LogoutAPI, redirect Redirector, m *metrics.Metrics, logger zerolog.Logger) *Terminator {
	return &Terminator{
		api:      api,
		redirect: redirect,
		metrics:  m,
		logger:   logger.With().Str("component", "terminator").Logger(),
	}
}

// Register adds s to the components stopped on logout.
func (t *Terminator) Register(s Stopper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stoppers = append(t.stoppers, s)
}

// Logout ends the session. Calls made while a logout is running, including
// re-entrant ones from a stopping component, return immediately.
func (t *Terminator) Logout(ctx context.Context, reason string) {
	t.mu.Lock()
	if t.inProgress {
		t.mu.Unlock()
		return
	}
	t.inProgress = true
	stoppers := slices.Clone(t.stoppers)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inProgress = false
		t.mu.Unlock()
	}()

	t.logger.Info().Str("reason", reason).Msg("ending session")
	t.metrics.RecordLogout(reason)

	for _, s := range stoppers {
		s.Stop()
	}
	if err := t.api.Logout(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("server logout failed, continuing")
	}
	if t.redirect != nil {
		t.redirect.RedirectToLogin(reason)
	}
}
