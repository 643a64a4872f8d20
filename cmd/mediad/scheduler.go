package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
	"github.com/tendant/simple-media/pkg/simplemedia/reaper"
)

type reapFunc func(ctx context.Context, staleAfter time.Duration, now time.Time) (reaper.Result, error)

// newScheduler starts the reaper on cfg.Reaper.Schedule. It returns nil
// when no schedule is configured. Overlapping runs are skipped.
func newScheduler(ctx context.Context, cfg *config.Config, reap reapFunc, logger *slog.Logger) (*cron.Cron, error) {
	if cfg.Reaper.Schedule == "" {
		logger.Info("reaper schedule disabled")
		return nil, nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	staleAfter := cfg.Reaper.StaleAfter
	_, err := c.AddFunc(cfg.Reaper.Schedule, func() {
		res, err := reap(ctx, staleAfter, time.Now())
		if err != nil {
			logger.Error("scheduled reap failed", "error", err, "deleted", res.Deleted)
			return
		}
		logger.Debug("scheduled reap done", "scanned", res.Scanned, "deleted", res.Deleted)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.Reaper.Schedule, err)
	}
	c.Start()
	logger.Info("reaper scheduled", "schedule", cfg.Reaper.Schedule, "stale_after", staleAfter)
	return c, nil
}
