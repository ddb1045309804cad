package importer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
)

// ManualFeedName names the pseudo-feed that owns imported indicators.
const ManualFeedName = "manual import"

// FeedEnsurer returns a feed by name, creating it on first use.
type FeedEnsurer interface {
	EnsureFeed(ctx context.Context, f intel.Feed) (intel.Feed, error)
}

// RunRecorder is the slice of the run tracker the importer drives.
type RunRecorder interface {
	BeginRun(ctx context.Context, feedID string, trigger intel.RunTrigger) (intel.UpdateRun, error)
	Ingest(ctx context.Context, runID string, candidates []intel.Candidate) (intel.RunOutcome, error)
	CompleteRun(ctx context.Context, runID string, outcome intel.RunOutcome) (intel.UpdateRun, error)
	FailRun(ctx context.Context, runID string, outcome intel.RunOutcome, reason string) (intel.UpdateRun, error)
}

// Result summarises an import.
type Result struct {
	RunID   string              `json:"run_id"`
	Created int                 `json:"created"`
	Updated int                 `json:"updated"`
	Errors  []intel.RecordError `json:"errors"`
}

// Importer loads bulk payloads through the run tracker.
type Importer struct {
	feeds        FeedEnsurer
	runs         RunRecorder
	beginTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
}

// Option configures an Importer.
type Option func(*Importer)

// WithBeginTimeout bounds how long Import waits for a concurrent import to
// release the pseudo-feed.
func WithBeginTimeout(d time.Duration) Option {
	return func(im *Importer) { im.beginTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(im *Importer) { im.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

// New creates an Importer.
func New(feeds FeedEnsurer, runs RunRecorder, opts ...Option) *Importer {
	im := &Importer{
		feeds:        feeds,
		runs:         runs,
		beginTimeout: 10 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ManualFeed returns the definition of the import pseudo-feed. It is never
// scheduled.
func ManualFeed() intel.Feed {
	now := time.Now().UTC()
	return intel.Feed{
		ID:              uuid.NewString(),
		Name:            ManualFeedName,
		Type:            intel.FeedTypeManual,
		Reliability:     intel.ReliabilityUnknown,
		Confidence:      intel.DefaultConfidence,
		UpdateFrequency: 86400,
		IsActive:        false,
		Config:          map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Import parses raw and ingests every valid, non-duplicate row. An empty
// payload fails with an empty-batch error before anything is written.
func (im *Importer) Import(ctx context.Context, format Format, raw []byte, opts Options) (Result, error) {
	rows, err := Parse(format, raw, opts)
	if err != nil {
		return Result{}, err
	}
	return im.ImportRows(ctx, format, rows)
}

// ImportRows ingests already-parsed rows.
func (im *Importer) ImportRows(ctx context.Context, format Format, rows []Row) (Result, error) {
	if len(rows) == 0 {
		return Result{}, intel.EmptyBatchError()
	}

	var (
		rejected   []intel.RecordError
		candidates []intel.Candidate
		firstRow   = make(map[intel.Key]int, len(rows))
	)
	for _, row := range rows {
		if row.Err != nil {
			rejected = append(rejected, intel.RecordError{Row: row.Index, Value: row.Candidate.Value, Reason: row.Err.Error()})
			continue
		}
		// Rows that fail here are left for Ingest to reject with the same reason.
		if prepared, norm, err := intel.Prepare(row.Candidate, intel.Candidate{}); err == nil {
			key := intel.Key{Type: prepared.Type, Normalized: norm}
			if first, seen := firstRow[key]; seen {
				rejected = append(rejected, intel.RecordError{
					Row:    row.Index,
					Value:  row.Candidate.Value,
					Reason: fmt.Sprintf("duplicate of row %d", first),
				})
				continue
			}
			firstRow[key] = row.Index
		}
		c := row.Candidate
		c.Row = row.Index
		candidates = append(candidates, c)
	}

	feed, err := im.feeds.EnsureFeed(ctx, ManualFeed())
	if err != nil {
		return Result{}, fmt.Errorf("ensuring import feed: %w", err)
	}

	run, err := im.beginRun(ctx, feed.ID)
	if err != nil {
		return Result{}, err
	}

	outcome, err := im.runs.Ingest(ctx, run.ID, candidates)
	outcome.Processed += len(rejected)
	outcome.Errors = append(rejected, outcome.Errors...)
	sort.SliceStable(outcome.Errors, func(i, j int) bool { return outcome.Errors[i].Row < outcome.Errors[j].Row })

	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		if _, ferr := im.runs.FailRun(context.WithoutCancel(ctx), run.ID, outcome, reason); ferr != nil {
			im.logger.Error("Failed to record import failure", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return Result{RunID: run.ID}, err
	}

	if _, err := im.runs.CompleteRun(ctx, run.ID, outcome); err != nil {
		return Result{RunID: run.ID}, err
	}

	im.metrics.Imported(string(format), "created", outcome.Added)
	im.metrics.Imported(string(format), "updated", outcome.Updated)
	im.metrics.Imported(string(format), "rejected", len(outcome.Errors))
	im.logger.Info("Import completed",
		zap.String("run_id", run.ID),
		zap.String("format", string(format)),
		zap.Int("rows", len(rows)),
		zap.Int("created", outcome.Added),
		zap.Int("updated", outcome.Updated),
		zap.Int("errors", len(outcome.Errors)),
	)

	errs := outcome.Errors
	if errs == nil {
		errs = []intel.RecordError{}
	}
	return Result{RunID: run.ID, Created: outcome.Added, Updated: outcome.Updated, Errors: errs}, nil
}

// beginRun retries while another import holds the pseudo-feed, backing off
// exponentially with full jitter up to the begin timeout.
func (im *Importer) beginRun(ctx context.Context, feedID string) (intel.UpdateRun, error) {
	deadline := time.Now().Add(im.beginTimeout)
	delay := 20 * time.Millisecond
	for {
		run, err := im.runs.BeginRun(ctx, feedID, intel.TriggerImport)
		if err == nil || !errors.Is(err, intel.ErrConcurrentRun) {
			return run, err
		}
		if time.Now().After(deadline) {
			return run, err
		}

		sleep := time.Duration(rand.Int64N(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return intel.UpdateRun{}, ctx.Err()
		case <-time.After(sleep):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}
