// Package monitor runs the periodic health and SLA checks.
package monitor

import (
	"context"

	"go.uber.org/zap"
)

// BreachSweeper flags overdue cases
type BreachSweeper interface {
	SweepBreaches(ctx context.Context, limit int) (int, error)
}

// SLAWatcher sweeps overdue cases on each scheduled run
type SLAWatcher struct {
	logger    *zap.Logger
	sweeper   BreachSweeper
	batchSize int
}

// NewSLAWatcher creates a watcher checking up to batchSize cases per run
func NewSLAWatcher(logger *zap.Logger, sweeper BreachSweeper, batchSize int) *SLAWatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &SLAWatcher{
		logger:    logger.Named("sla-watcher"),
		sweeper:   sweeper,
		batchSize: batchSize,
	}
}

// Run performs one sweep. Batches are repeated while full so a backlog
// clears within a single run.
func (w *SLAWatcher) Run(ctx context.Context) error {
	total := 0
	for {
		flagged, err := w.sweeper.SweepBreaches(ctx, w.batchSize)
		total += flagged
		if err != nil {
			w.logger.Error("SLA sweep failed", zap.Int("flagged", total), zap.Error(err))
			return err
		}
		if flagged < w.batchSize {
			break
		}
	}
	if total > 0 {
		w.logger.Info("SLA sweep flagged cases", zap.Int("flagged", total))
	}
	return nil
}
