// Package session keeps an authenticated Memorio session alive.
//
// The Manager refreshes the session cookie ahead of expiry, driven by a
// single timer and by user activity. At most one proactive refresh is in
// flight at a time, attempts are spaced by a minimum interval, rate limits
// and transient errors back off on separate capped tracks, and a 401 from
// the refresh endpoint ends the session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/memorio/session-agent/internal/authapi"
	perrors "github.com/memorio/session-agent/internal/errors"
	"github.com/memorio/session-agent/internal/metrics"
)

// ReasonRefreshUnauthorized is the logout reason for a rejected proactive refresh.
const ReasonRefreshUnauthorized = "refresh_unauthorized"

// Refresh triggers, used for logging and metrics.
const (
	TriggerActivity = "activity"
	TriggerTimer    = "timer"
	TriggerManual   = "manual"
)

// Outcome describes what a proactive refresh attempt did.
type Outcome string

const (
	OutcomeRefreshed   Outcome = "refreshed"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeTerminated  Outcome = "terminated"
	OutcomeInactive    Outcome = "inactive"
)

// Clock is the time source and timer factory.
type Clock interface {
	clock.PassiveClock
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Refresher renews the session with the server.
type Refresher interface {
	Refresh(ctx context.Context) (authapi.RefreshResult, error)
}

// AuthChecker reports whether the current session is valid.
type AuthChecker interface {
	IsAuthenticated(ctx context.Context) bool
}

// ActivityTracker is the subset of activity.Tracker the manager uses.
type ActivityTracker interface {
	Start()
	Stop()
	OnActivity(fn func(time.Time))
	IsUserActive(threshold time.Duration) bool
}

// ExpiryStore persists the session expiry.
type ExpiryStore interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, t time.Time) error
	Clear(ctx context.Context) error
}

// LogoutFunc ends the session.
type LogoutFunc func(ctx context.Context, reason string)

// Deps are the collaborators of a Manager.
type Deps struct {
	Refresher Refresher
	Auth      AuthChecker
	Tracker   ActivityTracker
	Store     ExpiryStore
	Clock     Clock
	Logout    LogoutFunc
	Metrics   *metrics.Metrics
}

// State is a point-in-time view of the manager.
type State struct {
	Running     bool          `json:"running"`
	Refreshing  bool          `json:"refreshing"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`
	LastAttempt time.Time     `json:"last_attempt,omitempty"`
	Backoff     time.Duration `json:"backoff_ns"`
	NextDelay   time.Duration `json:"next_delay_ns"`
}

// Manager schedules proactive session refreshes. Create with NewManager,
// then Start and Stop; a stopped manager may be started again.
type Manager struct {
	cfg       Config
	refresher Refresher
	auth      AuthChecker
	tracker   ActivityTracker
	store     ExpiryStore
	clock     Clock
	logout    LogoutFunc
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// lifeMu serializes Start and Stop; storeMu orders expiry writes.
	// Lock order is lifeMu, storeMu, mu. No store or tracker call is made
	// while mu is held.
	lifeMu  sync.Mutex
	storeMu sync.Mutex

	mu          sync.Mutex
	running     bool
	generation  uint64
	ctx         context.Context
	cancel      context.CancelFunc
	expiresAt   time.Time // zero when unknown
	refreshing  bool
	lastAttempt time.Time
	backoff     time.Duration
	timer       clock.Timer
	timerSeq    uint64
	nextDelay   time.Duration
}

// NewManager creates a stopped manager.
func NewManager(cfg Config, deps Deps, logger zerolog.Logger) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		refresher: deps.Refresher,
		auth:      deps.Auth,
		tracker:   deps.Tracker,
		store:     deps.Store,
		clock:     deps.Clock,
		logout:    deps.Logout,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "session").Logger(),
		ctx:       context.Background(),
	}
}

// Start begins managing the session if the user is authenticated and
// reports whether the manager is running. Starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		return true
	}

	if !m.auth.IsAuthenticated(ctx) {
		m.logger.Info().Msg("no authenticated session, not starting")
		return false
	}

	expiresAt, known, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not load persisted expiry, treating as unknown")
	}

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return true
	}
	m.running = true
	m.generation++
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if known {
		m.expiresAt = expiresAt
	}
	m.scheduleLocked(0)
	next := m.nextDelay
	m.mu.Unlock()

	m.tracker.OnActivity(m.handleUserActivity)
	m.tracker.Start()

	ev := m.logger.Info().Dur("next_check", next)
	if known {
		ev = ev.Time("expires_at", expiresAt)
	}
	ev.Msg("session manager started")
	return true
}

// Stop cancels the timer, stops activity tracking and forgets the expiry,
// both in memory and in the store. It is safe to call at any time.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	wasRunning := m.running
	m.stopTimerLocked()
	m.running = false
	m.generation++
	m.refreshing = false
	m.backoff = 0
	m.nextDelay = 0
	m.lastAttempt = time.Time{}
	m.expiresAt = time.Time{}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.tracker.Stop()

	m.storeMu.Lock()
	err := m.store.Clear(context.Background())
	m.storeMu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not clear persisted expiry")
	}
	m.metrics.SetBackoff(0)

	if wasRunning {
		m.logger.Info().Msg("session manager stopped")
	}
}

// ShouldRefreshToken reports whether a refresh is due: the expiry is unknown
// or within RefreshBuffer of now.
func (m *Manager) ShouldRefreshToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRefreshLocked()
}

// State returns a snapshot of the manager.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Running:     m.running,
		Refreshing:  m.refreshing,
		ExpiresAt:   m.expiresAt,
		LastAttempt: m.lastAttempt,
		Backoff:     m.backoff,
		NextDelay:   m.nextDelay,
	}
}

// RefreshProactively refreshes the session unless a refresh is already in
// flight or the previous attempt was less than MinRefreshInterval ago.
// It blocks for the duration of the refresh call.
func (m *Manager) RefreshProactively(ctx context.Context) Outcome {
	return m.refresh(ctx, TriggerManual)
}

func (m *Manager) refresh(ctx context.Context, trigger string) Outcome {
	m.mu.Lock()
	gen, declined := m.beginLocked()
	m.mu.Unlock()
	if declined != "" {
		m.declined(trigger, declined)
		return declined
	}
	return m.complete(ctx, gen, trigger)
}

func (m *Manager) handleUserActivity(at time.Time) {
	m.mu.Lock()
	if !m.running || !m.shouldRefreshLocked() {
		m.mu.Unlock()
		return
	}
	gen, declined := m.beginLocked()
	ctx := m.ctx
	m.mu.Unlock()

	if declined != "" {
		m.declined(TriggerActivity, declined)
		return
	}
	m.logger.Debug().Time("activity_at", at).Msg("activity with refresh due")
	go m.complete(ctx, gen, TriggerActivity)
}

func (m *Manager) onTimer(seq uint64) {
	m.mu.Lock()
	if !m.running || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	if !m.shouldRefreshLocked() {
		m.timer = nil
		m.scheduleLocked(0)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	active := m.tracker.IsUserActive(m.cfg.InactivityThreshold)

	m.mu.Lock()
	if !m.running || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if !active {
		m.logger.Debug().Msg("refresh due but user idle, letting session lapse")
		m.scheduleLocked(0)
		m.mu.Unlock()
		return
	}

	gen, declined := m.beginLocked()
	ctx := m.ctx
	if declined == OutcomeThrottled {
		m.scheduleLocked(m.cfg.MinRefreshInterval - m.clock.Since(m.lastAttempt))
	}
	m.mu.Unlock()

	if declined != "" {
		// An in-flight refresh reschedules when it completes.
		m.declined(TriggerTimer, declined)
		return
	}
	m.complete(ctx, gen, TriggerTimer)
}

// beginLocked takes the refresh guard. It returns a non-empty Outcome when
// the attempt is declined.
func (m *Manager) beginLocked() (uint64, Outcome) {
	if !m.running {
		return 0, OutcomeInactive
	}
	if m.refreshing {
		return 0, OutcomeInFlight
	}
	now := m.clock.Now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.MinRefreshInterval {
		return 0, OutcomeThrottled
	}
	m.refreshing = true
	m.lastAttempt = now
	return m.generation, ""
}

// complete performs the refresh call taken by beginLocked and applies its result.
func (m *Manager) complete(ctx context.Context, gen uint64, trigger string) Outcome {
	start := m.clock.Now()
	res, err := m.refresher.Refresh(ctx)
	m.metrics.ObserveRefresh(m.clock.Since(start).Seconds())

	m.mu.Lock()
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug().Str("trigger", trigger).Msg("discarding refresh result for stopped session")
		m.metrics.RecordRefresh(trigger, string(OutcomeInactive))
		return OutcomeInactive
	}

	var outcome Outcome
	persist := false
	switch {
	case err == nil:
		if res.HasExpiry() {
			m.expiresAt = res.ExpiresAt
			persist = true
		}
		m.backoff = 0
		m.scheduleLocked(0)
		outcome = OutcomeRefreshed
	case perrors.IsAuthFailure(err):
		m.mu.Unlock()
		m.terminate(ctx, trigger, err)
		return OutcomeTerminated
	case perrors.IsRateLimited(err):
		m.backoff = m.cfg.RateLimitBackoff.Next(m.backoff)
		m.scheduleLocked(m.backoff)
		outcome = OutcomeRateLimited
	default:
		m.backoff = m.cfg.ErrorBackoff.Next(m.backoff)
		m.scheduleLocked(m.backoff)
		outcome = OutcomeFailed
	}
	m.refreshing = false
	backoff, next, expiresAt := m.backoff, m.nextDelay, m.expiresAt
	m.mu.Unlock()

	if persist {
		m.persistExpiry(gen, res.ExpiresAt)
	}

	m.metrics.RecordRefresh(trigger, string(outcome))
	m.metrics.SetBackoff(backoff.Seconds())

	log := m.logger.With().Str("trigger", trigger).Str("outcome", string(outcome)).Dur("next_check", next).Logger()
	if err != nil {
		log.Warn().Err(err).Dur("backoff", backoff).Msg("proactive refresh failed")
	} else {
		log.Info().Time("expires_at", expiresAt).Msg("session refreshed")
	}
	return outcome
}

// persistExpiry saves at unless the session of generation gen has ended.
// Holding storeMu across the check and the write keeps a concurrent Stop's
// Clear from landing before it.
func (m *Manager) persistExpiry(gen uint64, at time.Time) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current := m.running && gen == m.generation
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.store.Save(context.Background(), at); err != nil {
		m.logger.Warn().Err(err).Msg("could not persist expiry")
	}
}

func (m *Manager) terminate(ctx context.Context, trigger string, cause error) {
	m.logger.Warn().Err(cause).Str("trigger", trigger).Msg("refresh rejected, ending session")
	m.metrics.RecordRefresh(trigger, string(OutcomeTerminated))
	m.Stop()
	if m.logout != nil {
		m.logout(context.WithoutCancel(ctx), ReasonRefreshUnauthorized)
	}
}

func (m *Manager) declined(trigger string, outcome Outcome) {
	m.logger.Debug().Str("trigger", trigger).Str("outcome", string(outcome)).Msg("refresh declined")
	m.metrics.RecordRefresh(trigger, string(outcome))
}

func (m *Manager) shouldRefreshLocked() bool {
	if m.expiresAt.IsZero() {
		return true
	}
	return m.expiresAt.Sub(m.clock.Now()) <= m.cfg.RefreshBuffer
}

// scheduleLocked replaces the pending timer. A positive explicit delay is
// used as is; otherwise the delay is derived from the expiry.
func (m *Manager) scheduleLocked(explicit time.Duration) {
	m.stopTimerLocked()

	delay := explicit
	if delay <= 0 {
		delay = NextRefreshDelay(m.clock.Now(), m.expiresAt, m.cfg)
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(seq) })
	m.nextDelay = delay
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
