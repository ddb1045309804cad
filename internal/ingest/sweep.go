package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/store"
)

// ReasonSwept is recorded on runs the reconciliation sweep fails.
const ReasonSwept = "timed out: reconciled by sweep"

// SweepResult reports what a reconciliation sweep changed.
type SweepResult struct {
	FailedRuns int   `json:"failed_runs"`
	ExpiredIOC int64 `json:"expired_iocs"`
}

// Sweep fails every run that has been running longer than stuckAfter and
// deactivates indicators whose expiry has passed.
func (t *Tracker) Sweep(ctx context.Context, stuckAfter time.Duration) (SweepResult, error) {
	var res SweepResult
	now := t.now()

	stale, err := t.store.StaleRuns(ctx, now.Add(-stuckAfter))
	if err != nil {
		return res, fmt.Errorf("listing stale runs: %w", err)
	}
	for _, run := range stale {
		_, err := t.FailRun(ctx, run.ID, intel.RunOutcome{
			Processed: run.IOCsProcessed,
			Added:     run.IOCsAdded,
			Updated:   run.IOCsUpdated,
		}, ReasonSwept)
		if errors.Is(err, store.ErrRunFinished) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.FailedRuns++
	}

	expired, err := t.store.ExpireIOCs(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expiring iocs: %w", err)
	}
	res.ExpiredIOC = expired
	t.metrics.Expired(expired)

	if res.FailedRuns > 0 || expired > 0 {
		t.logger.Info("Sweep completed",
			zap.Int("failed_runs", res.FailedRuns),
			zap.Int64("expired_iocs", expired),
		)
	}
	return res, nil
}
