package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goa-ai-labs/agentflow/internal/telemetry"
)

// TempoClock periodically scans for sessions whose last update plus TTL
// has elapsed and transitions them to paused in the Repository (spec
// section 4.5). It writes no snapshot; Manager.Sweep is the variant that
// also cold-snapshots blackboard artifacts.
type TempoClock struct {
	repo     Repository
	logger   telemetry.Logger
	interval time.Duration
	now      func() time.Time
}

// NewTempoClock constructs a TempoClock that sweeps every interval.
func NewTempoClock(repo Repository, logger telemetry.Logger, interval time.Duration) *TempoClock {
	return &TempoClock{repo: repo, logger: logger, interval: interval, now: time.Now}
}

// Run blocks, sweeping every tick until ctx is canceled.
func (c *TempoClock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil {
				c.logger.Error(ctx, "session: tempo clock sweep failed", "error", err)
			}
		}
	}
}

func (c *TempoClock) sweep(ctx context.Context) error {
	expired, err := c.repo.ListExpired(ctx, c.now())
	if err != nil {
		return fmt.Errorf("session: list expired: %w", err)
	}
	for _, sess := range expired {
		if sess.Status == StatusPaused || sess.Status == StatusCompleted ||
			sess.Status == StatusError || sess.Status == StatusAborted {
			continue
		}
		sess.Status = StatusPaused
		sess.UpdatedAt = c.now()
		if err := c.repo.Update(ctx, sess); err != nil {
			c.logger.Error(ctx, "session: tempo clock pause failed", "session_id", sess.ID, "error", err)
			continue
		}
		c.logger.Info(ctx, "session: paused idle session", "session_id", sess.ID)
	}
	return nil
}
