package session

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/memorio/session-agent/internal/authapi"
)

const refreshKey = "refresh"

// Coordinator collapses concurrent refresh calls into one request to the
// server. Proactive refreshes from the Manager and reactive refreshes from
// the HTTP client share it, so a 401 that arrives while a proactive refresh
// is running waits for that result instead of sending a second one.
type Coordinator struct {
	api    Refresher
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCoordinator wraps api.
func NewCoordinator(api Refresher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		api:    api,
		logger: logger.With().Str("component", "refresh-coordinator").Logger(),
	}
}

// Refresh joins the in-flight refresh or starts one. A caller whose ctx ends
// stops waiting; the shared call keeps running for the others.
func (c *Coordinator) Refresh(ctx context.Context) (authapi.RefreshResult, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.api.Refresh(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Shared {
			c.logger.Debug().Msg("joined in-flight refresh")
		}
		res, _ := r.Val.(authapi.RefreshResult)
		return res, r.Err
	case <-ctx.Done():
		return authapi.RefreshResult{}, ctx.Err()
	}
}

// Renew adapts Refresh to the HTTP client's refresh hook.
func (c *Coordinator) Renew(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	return err
}

// RenewFunc adapts a Refresher to the HTTP client's refresh hook without
// coordination.
func RenewFunc(r Refresher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.Refresh(ctx)
		return err
	}
}
