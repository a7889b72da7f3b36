package credstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ExpiryKey is the fixed key holding the session expiry in epoch milliseconds.
const ExpiryKey = "memorio.session.expiresAt"

// ExpiryStore reads and writes the session expiry instant. It applies no
// policy of its own.
type ExpiryStore struct {
	store  Store
	logger zerolog.Logger
}

// NewExpiryStore wraps store.
func NewExpiryStore(store Store, logger zerolog.Logger) *ExpiryStore {
	return &ExpiryStore{
		store:  store,
		logger: logger.With().Str("component", "expiry_store").Logger(),
	}
}

// Load returns the persisted expiry. The boolean is false when the expiry
// is unknown: the key is absent or holds something other than an integer.
func (e *ExpiryStore) Load(ctx context.Context) (time.Time, bool, error) {
	raw, err := e.store.Get(ctx, ExpiryKey)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading session expiry: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn().Str("value", raw).Msg("ignoring malformed persisted expiry")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Save persists t as epoch milliseconds.
func (e *ExpiryStore) Save(ctx context.Context, t time.Time) error {
	if err := e.store.Set(ctx, ExpiryKey, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("saving session expiry: %w", err)
	}
	return nil
}

// Clear removes the persisted expiry.
func (e *ExpiryStore) Clear(ctx context.Context) error {
	if err := e.store.Delete(ctx, ExpiryKey); err != nil {
		return fmt.Errorf("clearing session expiry: %w", err)
	}
	return nil
}
