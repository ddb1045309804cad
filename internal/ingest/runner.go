package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/adapter"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/store"
)

// Failure messages recorded on runs that did not finish on their own.
const (
	ReasonCancelled = "cancelled"
	ReasonTimedOut  = "timed out"
)

// Runner executes a begun run: fetch, normalize, ingest, complete.
type Runner struct {
	tracker  *Tracker
	store    *store.Store
	adapters *adapter.Registry
	tracer   trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(tracker *Tracker, adapters *adapter.Registry) *Runner {
	return &Runner{
		tracker:  tracker,
		store:    tracker.store,
		adapters: adapters,
		tracer:   observability.Tracer(),
	}
}

// Run drives runID to a terminal state and returns the finished run. The
// returned error is the cause of a failed run; the run itself is always
// finished unless the store could not be written.
func (r *Runner) Run(ctx context.Context, runID string) (intel.UpdateRun, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	feed, err := r.store.GetFeed(ctx, run.FeedID)
	if err != nil {
		return r.fail(ctx, feed, run, intel.RunOutcome{}, err)
	}

	ctx, span := r.tracer.Start(ctx, "feed.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.trigger", string(run.Trigger)),
		attribute.String("feed.id", feed.ID),
		attribute.String("feed.type", string(feed.Type)),
	))
	defer span.End()

	outcome, err := r.execute(ctx, feed, run)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return r.fail(ctx, feed, run, outcome, err)
	}

	span.SetAttributes(
		attribute.Int("run.processed", outcome.Processed),
		attribute.Int("run.added", outcome.Added),
		attribute.Int("run.updated", outcome.Updated),
	)
	done, err := r.tracker.CompleteRun(context.WithoutCancel(ctx), run.ID, outcome)
	if err != nil {
		return done, fmt.Errorf("completing run: %w", err)
	}
	return done, nil
}

func (r *Runner) execute(ctx context.Context, feed intel.Feed, run intel.UpdateRun) (intel.RunOutcome, error) {
	var outcome intel.RunOutcome

	a, err := r.adapters.Get(feed.Type)
	if err != nil {
		return outcome, err
	}

	payload, err := a.Fetch(ctx, feed)
	if err != nil {
		return outcome, err
	}
	batch, err := a.Normalize(feed, payload)
	if err != nil {
		return outcome, err
	}

	outcome.Processed = len(batch.Rejected)
	outcome.Errors = batch.Rejected

	ingested, err := r.tracker.Ingest(ctx, run.ID, batch.Candidates)
	outcome.Add(ingested)
	return outcome, err
}

// fail records err on the run. Auth rejections also deactivate the feed so it
// stops being scheduled until an operator fixes its credentials.
func (r *Runner) fail(ctx context.Context, feed intel.Feed, run intel.UpdateRun, outcome intel.RunOutcome, cause error) (intel.UpdateRun, error) {
	reason := FailureReason(cause)
	if err := ctx.Err(); err != nil {
		reason = FailureReason(err)
	}
	ctx = context.WithoutCancel(ctx)

	var fe *intel.FetchError
	if errors.As(cause, &fe) && fe.Reason == intel.FetchAuthRejected {
		r.tracker.logger.Error("Feed credentials rejected, disabling feed",
			zap.String("feed_id", feed.ID),
			zap.String("feed", feed.Name),
			zap.Error(cause),
		)
		done, err := r.tracker.FailAndDisable(ctx, run.ID, outcome, reason, reason)
		if err != nil {
			return done, fmt.Errorf("failing run: %w", err)
		}
		return done, cause
	}

	done, err := r.tracker.FailRun(ctx, run.ID, outcome, reason)
	if err != nil {
		return done, fmt.Errorf("failing run: %w", err)
	}
	return done, cause
}

// FailureReason renders the message stored on a failed run.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimedOut
	default:
		return err.Error()
	}
}
