package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/feedforge/internal/adapter"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "feedforge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createFeed(t *testing.T, s *store.Store, name string, rel intel.Reliability) intel.Feed {
	t.Helper()
	now := time.Now().UTC()
	f := intel.Feed{
		ID:              uuid.NewString(),
		Name:            name,
		Type:            intel.FeedTypePlain,
		Reliability:     rel,
		Confidence:      0.6,
		UpdateFrequency: 3600,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return f
}

// fakeAdapter serves a fixed batch, or whatever fetch returns.
type fakeAdapter struct {
	fetch func(ctx context.Context) error
	batch adapter.Batch
}

func (a *fakeAdapter) Type() intel.FeedType     { return intel.FeedTypePlain }
func (a *fakeAdapter) RequiredFields() []string { return nil }

func (a *fakeAdapter) Fetch(ctx context.Context, feed intel.Feed) (adapter.Payload, error) {
	if a.fetch != nil {
		if err := a.fetch(ctx); err != nil {
			return adapter.Payload{}, err
		}
	}
	return adapter.Payload{Pages: [][]byte{nil}}, nil
}

func (a *fakeAdapter) Normalize(feed intel.Feed, p adapter.Payload) (adapter.Batch, error) {
	return a.batch, nil
}

func cand(typ intel.IOCType, value string, sev intel.Severity, row int) intel.Candidate {
	return intel.Candidate{Type: typ, Value: value, Severity: sev, Row: row}
}

// =============================================================================
// Tracker Tests
// =============================================================================

// TestIngest_CountsAndErrors verifies added, updated and rejected records are
// all counted as processed.
func TestIngest_CountsAndErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	tr := NewTracker(s, WithMetrics(observability.NewMetrics(reg)))
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	run, err := tr.BeginRun(ctx, feed.ID, intel.TriggerManual)
	require.NoError(t, err)

	outcome, err := tr.Ingest(ctx, run.ID, []intel.Candidate{
		cand(intel.IOCTypeIP, "198.51.100.1", "", 0),
		cand(intel.IOCTypeIP, "198.51.100.1", "", 1),
		cand(intel.IOCTypeIP, "999.1.1.1", "", 2),
		cand(intel.IOCTypeDomain, "evil.example", intel.SeverityHigh, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Processed)
	assert.Equal(t, 2, outcome.Added)
	assert.Equal(t, 1, outcome.Updated)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, 2, outcome.Errors[0].Row)
	assert.Equal(t, "999.1.1.1", outcome.Errors[0].Value)

	iocs, _, err := s.ListIOCs(ctx, store.IOCFilter{})
	require.NoError(t, err)
	for _, ioc := range iocs {
		require.NotNil(t, ioc.SourceFeedID)
		assert.Equal(t, feed.ID, *ioc.SourceFeedID)
		assert.Equal(t, 0.6, ioc.Confidence, "feed confidence is the default")
		assert.Equal(t, intel.ReliabilityB, ioc.SourceReliability)
	}

	done, err := tr.CompleteRun(ctx, run.ID, outcome)
	require.NoError(t, err)
	assert.Equal(t, intel.RunCompleted, done.Status)
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "feedforge_feed_runs_total"))
}

// TestIngest_FinishedRun verifies a finished run accepts no more records.
func TestIngest_FinishedRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	run, err := tr.BeginRun(ctx, feed.ID, intel.TriggerManual)
	require.NoError(t, err)
	_, err = tr.CompleteRun(ctx, run.ID, intel.RunOutcome{})
	require.NoError(t, err)

	_, err = tr.Ingest(ctx, run.ID, []intel.Candidate{cand(intel.IOCTypeIP, "198.51.100.1", "", 0)})
	assert.ErrorIs(t, err, intel.ErrConflict)

	_, err = tr.CompleteRun(ctx, run.ID, intel.RunOutcome{})
	assert.ErrorIs(t, err, store.ErrRunFinished)
}

// TestIngest_CancelledStops verifies a cancelled context stops the pass.
func TestIngest_CancelledStops(t *testing.T) {
	s := newTestStore(t)
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	run, err := tr.BeginRun(context.Background(), feed.ID, intel.TriggerManual)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Ingest(ctx, run.ID, []intel.Candidate{cand(intel.IOCTypeIP, "198.51.100.1", "", 0)})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestBeginRun_Concurrent verifies a second run for a feed is rejected.
func TestBeginRun_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	_, err := tr.BeginRun(ctx, feed.ID, intel.TriggerSchedule)
	require.NoError(t, err)
	_, err = tr.BeginRun(ctx, feed.ID, intel.TriggerManual)
	assert.ErrorIs(t, err, intel.ErrConcurrentRun)
}

// TestIngest_SeverityGate verifies a less reliable feed cannot downgrade
// severity and a more reliable one can.
func TestIngest_SeverityGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	mid := createFeed(t, s, "mid", intel.ReliabilityC)
	low := createFeed(t, s, "low", intel.ReliabilityE)
	high := createFeed(t, s, "high", intel.ReliabilityA)

	ingest := func(feed intel.Feed, sev intel.Severity) intel.Severity {
		run, err := tr.BeginRun(ctx, feed.ID, intel.TriggerManual)
		require.NoError(t, err)
		out, err := tr.Ingest(ctx, run.ID, []intel.Candidate{cand(intel.IOCTypeDomain, "gate.example", sev, 0)})
		require.NoError(t, err)
		_, err = tr.CompleteRun(ctx, run.ID, out)
		require.NoError(t, err)

		iocs, err := s.LookupIOC(ctx, "gate.example")
		require.NoError(t, err)
		require.Len(t, iocs, 1)
		return iocs[0].Severity
	}

	assert.Equal(t, intel.SeverityHigh, ingest(mid, intel.SeverityHigh))
	assert.Equal(t, intel.SeverityHigh, ingest(low, intel.SeverityLow), "less reliable feed must not downgrade")
	assert.Equal(t, intel.SeverityLow, ingest(high, intel.SeverityLow), "more reliable feed may downgrade")
}

// =============================================================================
// Runner Tests
// =============================================================================

func startRun(t *testing.T, tr *Tracker, feedID string) intel.UpdateRun {
	t.Helper()
	run, err := tr.BeginRun(context.Background(), feedID, intel.TriggerSchedule)
	require.NoError(t, err)
	return run
}

// TestRunner_Success verifies a run completes and stamps the feed.
func TestRunner_Success(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	fake := &fakeAdapter{batch: adapter.Batch{
		Candidates: []intel.Candidate{
			cand(intel.IOCTypeIP, "198.51.100.1", "", 0),
			cand(intel.IOCTypeIP, "198.51.100.2", "", 2),
		},
		Rejected: []intel.RecordError{{Row: 1, Value: "x", Reason: "bad row"}},
	}}
	r := NewRunner(tr, adapter.NewRegistry(fake))

	done, err := r.Run(ctx, startRun(t, tr, feed.ID).ID)
	require.NoError(t, err)
	assert.Equal(t, intel.RunCompleted, done.Status)
	assert.Equal(t, 3, done.IOCsProcessed)
	assert.Equal(t, 2, done.IOCsAdded)
	require.Len(t, done.Errors, 1)
	assert.Equal(t, 1, done.Errors[0].Row)

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUpdate)
	assert.Equal(t, 1, got.SuccessfulUpdates)
	assert.Equal(t, 2, got.TotalIOCs)
	assert.Equal(t, intel.StatusOnline, got.Status(time.Now(), intel.DefaultHealthThresholds()))
}

// TestRunner_AuthRejectedDisables verifies rejected credentials deactivate the
// feed.
func TestRunner_AuthRejectedDisables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	fake := &fakeAdapter{fetch: func(context.Context) error {
		return intel.AuthRejected(feed.Name, errors.New("status 401"))
	}}
	r := NewRunner(tr, adapter.NewRegistry(fake))

	done, err := r.Run(ctx, startRun(t, tr, feed.ID).ID)
	require.Error(t, err)
	assert.Equal(t, intel.RunFailed, done.Status)

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Contains(t, got.DisabledReason, "auth_rejected")
	assert.Nil(t, got.LastUpdate)
}

// TestRunner_UnreachableBacksOff verifies a transport failure keeps the feed
// enabled and counts the failure.
func TestRunner_UnreachableBacksOff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	fake := &fakeAdapter{fetch: func(context.Context) error {
		return intel.Unreachable(feed.Name, errors.New("connection refused"))
	}}
	r := NewRunner(tr, adapter.NewRegistry(fake))

	done, err := r.Run(ctx, startRun(t, tr, feed.ID).ID)
	require.Error(t, err)
	assert.Equal(t, intel.RunFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "connection refused")

	got, err := s.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, 1, got.FailedUpdates)
	require.NotNil(t, got.LastAttempt)

	// The next attempt waits for the backoff, not the full frequency.
	next := got.NextDue(time.Minute)
	assert.Equal(t, got.LastAttempt.Add(time.Minute), next)
}

// TestRunner_Cancelled verifies cancellation fails the run with "cancelled".
func TestRunner_Cancelled(t *testing.T) {
	s := newTestStore(t)
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeAdapter{fetch: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return intel.Unreachable(feed.Name, ctx.Err())
	}}
	r := NewRunner(tr, adapter.NewRegistry(fake))

	done, err := r.Run(ctx, startRun(t, tr, feed.ID).ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, intel.RunFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, ReasonCancelled, *done.ErrorMessage)

	got, err := s.GetFeed(context.Background(), feed.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

// TestRunner_UnknownType verifies a feed with no adapter fails its run.
func TestRunner_UnknownType(t *testing.T) {
	s := newTestStore(t)
	tr := NewTracker(s)
	feed := createFeed(t, s, "alpha", intel.ReliabilityB)

	done, err := NewRunner(tr, adapter.NewRegistry()).Run(context.Background(), startRun(t, tr, feed.ID).ID)
	assert.ErrorIs(t, err, intel.ErrConfig)
	assert.Equal(t, intel.RunFailed, done.Status)
}

// =============================================================================
// Sweep Tests
// =============================================================================

// TestSweep_FailsStuckRunsAndExpires verifies the sweep reconciles runs older
// than the cutoff and deactivates expired indicators.
func TestSweep_FailsStuckRunsAndExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := NewTracker(s, WithClock(func() time.Time { return now.Add(-3 * time.Hour) }))
	stuck := createFeed(t, s, "stuck", intel.ReliabilityB)
	stuckRun, err := past.BeginRun(ctx, stuck.ID, intel.TriggerSchedule)
	require.NoError(t, err)

	tr := NewTracker(s, WithClock(func() time.Time { return now }))
	fresh := createFeed(t, s, "fresh", intel.ReliabilityB)
	freshRun, err := tr.BeginRun(ctx, fresh.ID, intel.TriggerSchedule)
	require.NoError(t, err)

	expired := now.Add(-time.Minute)
	c := cand(intel.IOCTypeIP, "198.51.100.9", "", 0)
	c.ExpiresAt = &expired
	_, err = tr.Ingest(ctx, freshRun.ID, []intel.Candidate{c})
	require.NoError(t, err)

	res, err := tr.Sweep(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedRuns)
	assert.Equal(t, int64(1), res.ExpiredIOC)

	got, err := s.GetRun(ctx, stuckRun.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.RunFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, ReasonSwept, *got.ErrorMessage)

	got, err = s.GetRun(ctx, freshRun.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.RunRunning, got.Status)

	// A second sweep has nothing left to do.
	res, err = tr.Sweep(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.FailedRuns)
	assert.Zero(t, res.ExpiredIOC)
}

// TestFailureReason verifies context errors map onto fixed messages.
func TestFailureReason(t *testing.T) {
	assert.Equal(t, ReasonCancelled, FailureReason(intel.Unreachable("f", context.Canceled)))
	assert.Equal(t, ReasonTimedOut, FailureReason(context.DeadlineExceeded))
	assert.Equal(t, "boom", FailureReason(errors.New("boom")))
}
