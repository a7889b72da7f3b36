package session

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/memorio/session-agent/internal/authapi"
	"github.com/memorio/session-agent/internal/credstore"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// fakeClock fires AfterFunc callbacks from Advance, outside its own lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c      *fakeClock
	at     time.Time
	fn     func()
	active bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), fn: f, active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.active && !t.at.After(c.now) {
			t.active = false
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// Jump moves time forward without firing timers.
func (c *fakeClock) Jump(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.active {
			n++
		}
	}
	return n
}

func (t *fakeTimer) C() <-chan time.Time { return nil }

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.active = true
	t.at = t.c.now.Add(d)
	return was
}

type refreshReply struct {
	res authapi.RefreshResult
	err error
}

// fakeRefresher pops queued replies, repeating the last one when the queue
// runs dry. A non-nil gate blocks each call until it is closed.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	replies []refreshReply
	last    refreshReply
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeRefresher) queue(replies ...refreshReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeRefresher) Refresh(ctx context.Context) (authapi.RefreshResult, error) {
	f.mu.Lock()
	f.calls++
	if len(f.replies) > 0 {
		f.last = f.replies[0]
		f.replies = f.replies[1:]
	}
	r, gate, started := f.last, f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return r.res, r.err
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAuth struct {
	mu    sync.Mutex
	ok    bool
	calls int
}

func (a *fakeAuth) IsAuthenticated(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.ok
}

type fakeTracker struct {
	mu     sync.Mutex
	active bool
	starts int
	stops  int
	subs   []func(time.Time)

	// Hooks run before the tracker's own lock is taken.
	onStop   func()
	onActive func()
}

func (f *fakeTracker) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeTracker) Stop() {
	if f.onStop != nil {
		f.onStop()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.subs = nil
}

func (f *fakeTracker) OnActivity(fn func(time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *fakeTracker) IsUserActive(time.Duration) bool {
	if f.onActive != nil {
		f.onActive()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTracker) emit(at time.Time) {
	f.mu.Lock()
	subs := slices.Clone(f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(at)
	}
}

// hookedStore runs a callback before each write to the wrapped store.
type hookedStore struct {
	ExpiryStore
	onSave  func()
	onClear func()
}

func (s *hookedStore) Save(ctx context.Context, t time.Time) error {
	if s.onSave != nil {
		s.onSave()
	}
	return s.ExpiryStore.Save(ctx, t)
}

func (s *hookedStore) Clear(ctx context.Context) error {
	if s.onClear != nil {
		s.onClear()
	}
	return s.ExpiryStore.Clear(ctx)
}

type logoutRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (l *logoutRecorder) logout(_ context.Context, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = append(l.reasons, reason)
}

func (l *logoutRecorder) Reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.reasons)
}

type harness struct {
	m       *Manager
	clk     *fakeClock
	api     *fakeRefresher
	auth    *fakeAuth
	tracker *fakeTracker
	store   *credstore.ExpiryStore
	logouts *logoutRecorder
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk:     newFakeClock(),
		api:     &fakeRefresher{},
		auth:    &fakeAuth{ok: true},
		tracker: &fakeTracker{active: true},
		store:   credstore.NewExpiryStore(credstore.NewMemoryStore(), zerolog.Nop()),
		logouts: &logoutRecorder{},
	}
	h.m = NewManager(cfg, Deps{
		Refresher: h.api,
		Auth:      h.auth,
		Tracker:   h.tracker,
		Store:     h.store,
		Clock:     h.clk,
		Logout:    h.logouts.logout,
	}, zerolog.Nop())
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.True(t, h.m.Start(context.Background()))
}

func (h *harness) storedExpiry(t *testing.T) (time.Time, bool) {
	t.Helper()
	at, ok, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return at, ok
}

func expiresIn(clk *fakeClock, d time.Duration) refreshReply {
	return refreshReply{res: authapi.RefreshResult{ExpiresAt: clk.Now().Add(d)}}
}
