// ABOUTME: Cron-driven background sweeping of the file cache
// ABOUTME: Uses gronx to compute the next tick and runs Sweep until the context ends

package filecache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepCron runs a sweep every fifteen minutes.
const DefaultSweepCron = "*/15 * * * *"

// retryDelay is how long the scheduler waits after failing to compute a tick.
const retryDelay = 30 * time.Second

// Scheduler runs Cache.Sweep on a cron schedule.
type Scheduler struct {
	cache    *Cache
	expr     string
	logger   *slog.Logger
	nextTick func(expr string, after time.Time) (time.Time, error)
}

// NewScheduler validates expr and returns a scheduler for cache.
// An empty expr uses DefaultSweepCron.
func NewScheduler(cache *Cache, expr string, logger *slog.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultSweepCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %q", expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cache:  cache,
		expr:   expr,
		logger: logger.With("component", "filecache.scheduler"),
		nextTick: func(expr string, after time.Time) (time.Time, error) {
			return gronx.NextTickAfter(expr, after, false)
		},
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return s.nextTick(s.expr, t)
}

// Run sweeps at every tick until ctx is cancelled. Sweeps run inline, so a
// slow sweep delays the next tick instead of overlapping it. Sweep errors are
// logged and do not stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sweep scheduler started", "cron", s.expr, "grace_period", s.cache.GracePeriod())
	for {
		next, err := s.Next(time.Now().UTC())
		if err != nil {
			s.logger.Error("computing next sweep failed", "cron", s.expr, "error", err)
			if !sleep(ctx, retryDelay) {
				break
			}
			continue
		}

		if !sleep(ctx, time.Until(next)) {
			break
		}
		if _, err := s.cache.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}
	s.logger.Info("sweep scheduler stopping")
}

// sleep waits for d or ctx; it reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
