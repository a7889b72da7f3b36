// Package activity detects that a person is using the application and
// notifies subscribers, at most once per debounce window.
package activity

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/memorio/session-agent/internal/metrics"
)

const (
	// DefaultDebounce is the minimum spacing between subscriber notifications.
	DefaultDebounce = 1000 * time.Millisecond
	// DefaultInactivityThreshold is used by IsUserActive when no threshold is given.
	DefaultInactivityThreshold = 30 * time.Minute
)

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	Clock    clock.PassiveClock
	Debounce time.Duration
	Metrics  *metrics.Metrics
}

// Tracker records the last input event and fans activity out to subscribers.
//
// The last-activity timestamp is updated on every event. Subscribers are only
// notified when at least the debounce window has passed since the previous
// notification.
type Tracker struct {
	src      Source
	clock    clock.PassiveClock
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex
	started      bool
	remove       func()
	lastActivity time.Time
	lastNotified time.Time
	subscribers  []func(time.Time)
}

// NewTracker creates a tracker reading events from src.
func NewTracker(src Source, opts Options, logger zerolog.Logger) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Tracker{
		src:          src,
		clock:        opts.Clock,
		debounce:     opts.Debounce,
		metrics:      opts.Metrics,
		logger:       logger.With().Str("component", "activity").Logger(),
		lastActivity: opts.Clock.Now(),
	}
}

// Start begins listening for input events. Calling Start while started is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.remove = t.src.Listen(TrackedEvents, t.handle)
	t.logger.Debug().Int("events", len(TrackedEvents)).Msg("activity tracking started")
}

// Stop detaches from the event source and drops every subscriber.
// It is safe to call on a tracker that was never started.
func (t *Tracker) Stop() {
	t.mu.Lock()
	remove := t.remove
	wasStarted := t.started
	t.remove = nil
	t.started = false
	t.subscribers = nil
	t.mu.Unlock()

	if remove != nil {
		remove()
	}
	if wasStarted {
		t.logger.Debug().Msg("activity tracking stopped")
	}
}

// OnActivity registers fn to be called with the event time on each
// debounced notification. Subscribers live until Stop.
func (t *Tracker) OnActivity(fn func(time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// LastActivity returns the time of the most recent qualifying event.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// InactivityDuration returns the time elapsed since the last activity.
func (t *Tracker) InactivityDuration() time.Duration {
	return t.clock.Since(t.LastActivity())
}

// IsUserActive reports whether the last activity is within threshold.
// A non-positive threshold selects DefaultInactivityThreshold.
func (t *Tracker) IsUserActive(threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	return t.InactivityDuration() < threshold
}

func (t *Tracker) handle(kind EventKind) {
	now := t.clock.Now()

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	if now.After(t.lastActivity) {
		t.lastActivity = now
	}
	if !t.lastNotified.IsZero() && now.Sub(t.lastNotified) < t.debounce {
		t.mu.Unlock()
		return
	}
	t.lastNotified = now
	subs := slices.Clone(t.subscribers)
	t.mu.Unlock()

	t.metrics.RecordActivity()
	for i, fn := range subs {
		t.notify(i, kind, fn, now)
	}
}

func (t *Tracker) notify(idx int, kind EventKind, fn func(time.Time), at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Interface("panic", r).
				Int("subscriber", idx).
				Str("event", string(kind)).
				Msg("activity subscriber panicked")
		}
	}()
	fn(at)
}
