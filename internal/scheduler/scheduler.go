// Package scheduler maintains the feed registry and dispatches due feeds to
// the ingest runner on a cron tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lvonguyen/feedforge/internal/adapter"
	"github.com/lvonguyen/feedforge/internal/config"
	"github.com/lvonguyen/feedforge/internal/ingest"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/store"
)

// Scheduler owns feed registration and automatic dispatch.
type Scheduler struct {
	store    *store.Store
	adapters *adapter.Registry
	tracker  *ingest.Tracker
	runner   *ingest.Runner
	validate *validator.Validate
	cfg      config.SchedulerConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	sem  *semaphore.Weighted
	cron *cron.Cron

	mu      sync.Mutex
	running bool
	live    map[string]context.CancelFunc // runID -> cancel
	wg      sync.WaitGroup

	// Shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Call Start to begin automatic dispatch; the
// registry and Trigger work without it.
func New(st *store.Store, adapters *adapter.Registry, tracker *ingest.Tracker, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StuckRunTimeout <= 0 {
		cfg.StuckRunTimeout = 2 * time.Hour
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    st,
		adapters: adapters,
		tracker:  tracker,
		runner:   ingest.NewRunner(tracker, adapters),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		live:     make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Registry
// =============================================================================

// Register validates and stores a new feed.
func (s *Scheduler) Register(ctx context.Context, feed intel.Feed) (intel.Feed, error) {
	now := s.now()
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	if feed.Reliability == "" {
		feed.Reliability = intel.ReliabilityUnknown
	}
	if feed.Config == nil {
		feed.Config = map[string]string{}
	}
	feed.LastUpdate, feed.LastAttempt = nil, nil
	feed.ConsecutiveFailures, feed.SuccessfulUpdates, feed.FailedUpdates, feed.TotalIOCs = 0, 0, 0, 0
	feed.CreatedAt, feed.UpdatedAt = now, now

	if err := s.validateFeed(feed); err != nil {
		return intel.Feed{}, err
	}
	if err := s.store.CreateFeed(ctx, feed); err != nil {
		return intel.Feed{}, err
	}

	s.logger.Info("Feed registered",
		zap.String("feed_id", feed.ID),
		zap.String("name", feed.Name),
		zap.String("type", string(feed.Type)),
		zap.Int64("update_frequency", feed.UpdateFrequency),
	)
	return feed, nil
}

// Update replaces the operator-editable fields of a feed. Reactivating a feed
// clears the reason it was disabled.
func (s *Scheduler) Update(ctx context.Context, feed intel.Feed) (intel.Feed, error) {
	existing, err := s.store.GetFeed(ctx, feed.ID)
	if err != nil {
		return intel.Feed{}, err
	}
	if existing.Type == intel.FeedTypeManual {
		return intel.Feed{}, intel.ConfigError("the import feed cannot be edited")
	}
	if feed.Reliability == "" {
		feed.Reliability = existing.Reliability
	}
	if feed.Config == nil {
		feed.Config = map[string]string{}
	}
	if feed.IsActive {
		feed.DisabledReason = ""
	} else if feed.DisabledReason == "" {
		feed.DisabledReason = existing.DisabledReason
	}
	feed.UpdatedAt = s.now()

	if err := s.validateFeed(feed); err != nil {
		return intel.Feed{}, err
	}
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		return intel.Feed{}, err
	}
	return s.store.GetFeed(ctx, feed.ID)
}

// Delete removes a feed, its runs, and the link from its indicators. A live
// run for the feed is cancelled first.
func (s *Scheduler) Delete(ctx context.Context, feedID string) error {
	runs, err := s.store.RunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.FeedID == feedID {
			s.cancelLive(run.ID)
		}
	}
	return s.store.DeleteFeed(ctx, feedID)
}

// Get loads a feed.
func (s *Scheduler) Get(ctx context.Context, feedID string) (intel.Feed, error) {
	return s.store.GetFeed(ctx, feedID)
}

// List returns every feed, the import feed included.
func (s *Scheduler) List(ctx context.Context) ([]intel.Feed, error) {
	return s.store.ListFeeds(ctx, true)
}

func (s *Scheduler) validateFeed(feed intel.Feed) error {
	if err := s.validate.Struct(feed); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return intel.ConfigError("invalid feed: %s", strings.Join(msgs, "; "))
		}
		return intel.ConfigError("invalid feed: %v", err)
	}
	if feed.UpdateFrequency <= 0 {
		return intel.ConfigError("update_frequency must be positive, got %d", feed.UpdateFrequency)
	}
	return s.adapters.Validate(feed)
}

// =============================================================================
// Dispatch
// =============================================================================

// DueFeeds yields the ids of active feeds whose next fetch is at or before now
// and that have no run in progress. Each range re-reads the registry.
func (s *Scheduler) DueFeeds(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		feeds, err := s.store.ListActiveFeeds(ctx)
		if err != nil {
			yield("", err)
			return
		}
		for _, sf := range feeds {
			if sf.Running {
				continue
			}
			if sf.Feed.NextDue(s.cfg.RetryBase).After(now) {
				continue
			}
			if !yield(sf.Feed.ID, nil) {
				return
			}
		}
	}
}

// RecordDispatch begins a run for feedID. The store rejects it if the feed is
// already running.
func (s *Scheduler) RecordDispatch(ctx context.Context, feedID string, trigger intel.RunTrigger) (string, error) {
	run, err := s.tracker.BeginRun(ctx, feedID, trigger)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// Trigger starts an out-of-schedule run and returns it without waiting for it
// to finish. Inactive feeds may be triggered.
func (s *Scheduler) Trigger(ctx context.Context, feedID string) (intel.UpdateRun, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return intel.UpdateRun{}, err
	}
	if _, err := s.adapters.Get(feed.Type); err != nil {
		return intel.UpdateRun{}, err
	}

	run, err := s.tracker.BeginRun(ctx, feedID, intel.TriggerManual)
	if err != nil {
		return intel.UpdateRun{}, err
	}
	s.launch(run.ID, nil)
	return run, nil
}

// Cancel stops a run. A run executing in this process has its context
// cancelled; any other running run is failed directly.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	if s.cancelLive(runID) {
		return nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != intel.RunRunning {
		return intel.ConflictError("run %s is already %s", runID, run.Status)
	}
	_, err = s.tracker.FailRun(ctx, runID, intel.RunOutcome{
		Processed: run.IOCsProcessed,
		Added:     run.IOCsAdded,
		Updated:   run.IOCsUpdated,
	}, ingest.ReasonCancelled)
	if errors.Is(err, store.ErrRunFinished) {
		return intel.ConflictError("run %s already finished", runID)
	}
	return err
}

func (s *Scheduler) cancelLive(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.live[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Tick dispatches every due feed that fits in the worker pool. Feeds that do
// not fit stay due for the next tick.
func (s *Scheduler) Tick(ctx context.Context) int {
	dispatched, due := 0, 0
	for feedID, err := range s.DueFeeds(ctx, s.now()) {
		if err != nil {
			s.logger.Error("Failed to list due feeds", zap.Error(err))
			break
		}
		due++
		if !s.sem.TryAcquire(1) {
			continue
		}

		runID, err := s.RecordDispatch(ctx, feedID, intel.TriggerSchedule)
		if err != nil {
			s.sem.Release(1)
			if !errors.Is(err, intel.ErrConcurrentRun) {
				s.logger.Error("Failed to dispatch feed", zap.String("feed_id", feedID), zap.Error(err))
			}
			continue
		}
		s.launch(runID, func() { s.sem.Release(1) })
		dispatched++
	}
	s.metrics.Due(due)
	if due > 0 {
		s.logger.Debug("Scheduler tick", zap.Int("due", due), zap.Int("dispatched", dispatched))
	}
	return dispatched
}

// launch executes runID in the background under the scheduler's lifetime.
func (s *Scheduler) launch(runID string, done func()) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	s.mu.Lock()
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	s.live[runID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.live, runID)
			s.mu.Unlock()
			cancel()
			if done != nil {
				done()
			}
		}()

		run, err := s.runner.Run(runCtx, runID)
		if err != nil {
			s.logger.Warn("Feed run failed",
				zap.String("run_id", runID),
				zap.String("feed_id", run.FeedID),
				zap.Error(err),
			)
		}
	}()
}

// Sweep reconciles stuck runs and expired indicators.
func (s *Scheduler) Sweep(ctx context.Context) (ingest.SweepResult, error) {
	return s.tracker.Sweep(ctx, s.cfg.StuckRunTimeout)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins the dispatch and sweep loops. It may be called again after
// Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	// A previous Stop cancelled the lifetime context.
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	ctx := s.ctx

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Feed scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns),
	)
	return nil
}

// Stop halts the loops and waits for in-flight runs until ctx expires, then
// cancels whatever is left.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		cancel()
		<-finished
	}
	cancel()
	s.logger.Info("Feed scheduler stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
