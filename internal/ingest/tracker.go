// Package ingest records update runs and merges candidate indicators into
// the store on their behalf.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/store"
)

// Tracker owns the lifecycle of update runs. The store's one-running-run
// index is the authority on concurrency; Tracker never caches run state.
type Tracker struct {
	store   *store.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker backed by s.
func NewTracker(s *store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BeginRun starts a run for feedID. It fails with a concurrent-run error if
// the feed already has one running.
func (t *Tracker) BeginRun(ctx context.Context, feedID string, trigger intel.RunTrigger) (intel.UpdateRun, error) {
	run, err := t.store.BeginRun(ctx, feedID, trigger, t.now())
	if err != nil {
		return run, err
	}
	t.metrics.RunStarted(1)
	t.logger.Debug("Run started",
		zap.String("run_id", run.ID),
		zap.String("feed_id", feedID),
		zap.String("trigger", string(trigger)),
	)
	return run, nil
}

// Ingest validates and upserts candidates under runID. Invalid candidates are
// collected in the outcome; a store failure or cancellation stops the pass and
// is returned with the partial outcome.
func (t *Tracker) Ingest(ctx context.Context, runID string, candidates []intel.Candidate) (intel.RunOutcome, error) {
	var outcome intel.RunOutcome

	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return outcome, err
	}
	if run.Status != intel.RunRunning {
		return outcome, intel.ConflictError("run %s is %s", runID, run.Status)
	}
	feed, err := t.store.GetFeed(ctx, run.FeedID)
	if err != nil {
		return outcome, err
	}

	defaults := intel.Candidate{
		Confidence:   &feed.Confidence,
		SourceFeedID: &feed.ID,
		Reliability:  feed.Reliability,
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.Processed++

		prepared, norm, err := intel.Prepare(c, defaults)
		if err != nil {
			outcome.Errors = append(outcome.Errors, intel.RecordError{Row: c.Row, Value: c.Value, Reason: err.Error()})
			continue
		}

		res, err := t.store.Upsert(ctx, prepared, norm, t.now())
		if err != nil {
			return outcome, fmt.Errorf("upserting %s %q: %w", prepared.Type, prepared.Value, err)
		}
		if res.Created {
			outcome.Added++
		} else {
			outcome.Updated++
		}
	}

	t.metrics.Ingested("added", outcome.Added)
	t.metrics.Ingested("updated", outcome.Updated)
	t.metrics.Ingested("rejected", len(outcome.Errors))
	return outcome, nil
}

// CompleteRun marks runID completed and updates its feed's counters.
func (t *Tracker) CompleteRun(ctx context.Context, runID string, outcome intel.RunOutcome) (intel.UpdateRun, error) {
	return t.finish(ctx, store.Finish{RunID: runID, Status: intel.RunCompleted, Outcome: outcome})
}

// FailRun marks runID failed with reason.
func (t *Tracker) FailRun(ctx context.Context, runID string, outcome intel.RunOutcome, reason string) (intel.UpdateRun, error) {
	return t.finish(ctx, store.Finish{RunID: runID, Status: intel.RunFailed, Outcome: outcome, ErrorMessage: reason})
}

// FailAndDisable fails runID and deactivates its feed in the same write.
func (t *Tracker) FailAndDisable(ctx context.Context, runID string, outcome intel.RunOutcome, reason, disableReason string) (intel.UpdateRun, error) {
	return t.finish(ctx, store.Finish{
		RunID:         runID,
		Status:        intel.RunFailed,
		Outcome:       outcome,
		ErrorMessage:  reason,
		DisableReason: disableReason,
	})
}

func (t *Tracker) finish(ctx context.Context, fin store.Finish) (intel.UpdateRun, error) {
	fin.At = t.now()
	run, err := t.store.FinishRun(ctx, fin)
	if err != nil {
		if errors.Is(err, store.ErrRunFinished) {
			t.logger.Warn("Run already finished", zap.String("run_id", fin.RunID))
		}
		return run, err
	}

	t.metrics.RunStarted(-1)
	feedType := ""
	if feed, err := t.store.GetFeed(ctx, run.FeedID); err == nil {
		feedType = string(feed.Type)
	}
	t.metrics.RunFinished(string(run.Trigger), string(run.Status), feedType, fin.At.Sub(run.StartTime))

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("feed_id", run.FeedID),
		zap.String("status", string(run.Status)),
		zap.Int("processed", run.IOCsProcessed),
		zap.Int("added", run.IOCsAdded),
		zap.Int("updated", run.IOCsUpdated),
		zap.Int("errors", len(run.Errors)),
	}
	if run.Status == intel.RunFailed {
		t.logger.Warn("Run failed", append(fields, zap.String("reason", fin.ErrorMessage))...)
	} else {
		t.logger.Info("Run completed", fields...)
	}
	return run, nil
}
