package devapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// subjectLimiter keeps one token bucket per session subject. A bucket idle
// long enough to have refilled completely is dropped, since a fresh one
// behaves the same.
type subjectLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock clock.PassiveClock

	mu       sync.Mutex
	limiters map[string]*subjectBucket
}

type subjectBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newSubjectLimiter returns a limiter allowing rps refreshes per second per
// subject. A non-positive rps disables limiting.
func newSubjectLimiter(rps float64, burst int, clk clock.PassiveClock) *subjectLimiter {
	l := &subjectLimiter{
		limit:    rate.Inf,
		burst:    burst,
		clock:    clk,
		limiters: make(map[string]*subjectBucket),
	}
	if rps > 0 {
		l.limit = rate.Limit(rps)
		l.idle = time.Duration(float64(burst) / rps * float64(time.Second))
	}
	return l
}

func (l *subjectLimiter) allow(subject string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for s, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.limiters, s)
		}
	}
	b, ok := l.limiters[subject]
	if !ok {
		b = &subjectBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[subject] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *subjectLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
