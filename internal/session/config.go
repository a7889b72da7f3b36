package session

import (
	"time"

	"github.com/memorio/session-agent/internal/activity"
	"github.com/memorio/session-agent/internal/retry"
)

// Config holds the refresh timing policy.
type Config struct {
	// RefreshBuffer is how long before expiry a refresh becomes due.
	RefreshBuffer time.Duration
	// MinRefreshInterval is the minimum spacing between proactive attempts.
	MinRefreshInterval time.Duration
	// PollInterval is the check interval when expiry is unknown, and the
	// upper bound of any computed delay.
	PollInterval time.Duration
	// MinScheduleDelay is the lower bound of any computed delay.
	MinScheduleDelay time.Duration
	// InactivityThreshold gates timer-driven refreshes on recent activity.
	InactivityThreshold time.Duration

	RateLimitBackoff retry.Backoff
	ErrorBackoff     retry.Backoff
}

// DefaultConfig returns the production timing policy.
func DefaultConfig() Config {
	return Config{
		RefreshBuffer:       5 * time.Minute,
		MinRefreshInterval:  30 * time.Second,
		PollInterval:        10 * time.Minute,
		MinScheduleDelay:    60 * time.Second,
		InactivityThreshold: activity.DefaultInactivityThreshold,
		RateLimitBackoff:    retry.Backoff{Seed: 30 * time.Second, Cap: 5 * time.Minute},
		ErrorBackoff:        retry.Backoff{Seed: 5 * time.Second, Cap: 60 * time.Second},
	}
}

// NextRefreshDelay returns how long to wait before the next scheduled check:
// RefreshBuffer before expiresAt, clamped to [MinScheduleDelay, PollInterval].
// A zero expiresAt yields PollInterval.
func NextRefreshDelay(now, expiresAt time.Time, cfg Config) time.Duration {
	if expiresAt.IsZero() {
		return cfg.PollInterval
	}
	d := expiresAt.Sub(now) - cfg.RefreshBuffer
	return max(cfg.MinScheduleDelay, min(d, cfg.PollInterval))
}
