// Package retry provides exponential backoff for calls to the Memorio API.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/memorio/session-agent/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Backoff is an unbounded doubling track: the first step is Seed and every
// following step doubles the current delay up to Cap.
type Backoff struct {
	Seed time.Duration `yaml:"seed"`
	Cap  time.Duration `yaml:"cap"`
}

// Next returns the delay that follows current. A zero current starts the track.
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return min(b.Seed, b.Cap)
	}
	next := current * 2
	if next > b.Cap || next < current {
		return b.Cap
	}
	return next
}
