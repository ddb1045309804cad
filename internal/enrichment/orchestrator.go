package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/feedforge/internal/config"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/store"
)

// PartialFailure names a source whose lookup produced no result.
type PartialFailure struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type"`
	Reason     string `json:"reason"`
}

// Report is the outcome of one Enrich call.
type Report struct {
	IOCID           string                            `json:"ioc_id"`
	Results         map[string]intel.EnrichmentResult `json:"results"`
	PartialFailures []PartialFailure                  `json:"partial_failures"`
}

// Orchestrator fans an indicator out to every active enrichment source.
type Orchestrator struct {
	store     *store.Store
	factories map[string]Factory
	client    *http.Client
	cache     Cache
	cfg       config.EnrichmentConfig
	validate  *validator.Validate
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu        sync.Mutex
	providers map[string]boundProvider
	limiters  map[string]*rate.Limiter
}

// boundProvider remembers which source definition a provider was built from,
// so an edited source gets a fresh provider.
type boundProvider struct {
	src      intel.EnrichmentSource
	provider Provider
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCache sets the result cache.
func WithCache(c Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithHTTPClient sets the client handed to providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithFactory registers an additional provider implementation.
func WithFactory(name string, f Factory) Option {
	return func(o *Orchestrator) { o.factories[name] = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(st *store.Store, cfg config.EnrichmentConfig, opts ...Option) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		store:     st,
		factories: builtinFactories(),
		client:    &http.Client{Timeout: 60 * time.Second},
		cache:     NopCache{},
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		providers: make(map[string]boundProvider),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// =============================================================================
// Enrichment
// =============================================================================

// Enrich queries every active source that supports the indicator's type.
// Each attempt counts exactly once against its source. A failed or timed out
// source adds a partial failure and no result; it never fails the call.
func (o *Orchestrator) Enrich(ctx context.Context, iocID string) (Report, error) {
	ioc, err := o.store.GetIOC(ctx, iocID)
	if err != nil {
		return Report{}, err
	}
	sources, err := o.store.ListSources(ctx, true)
	if err != nil {
		return Report{}, err
	}

	ctx, span := observability.Tracer().Start(ctx, "enrichment.enrich",
		trace.WithAttributes(
			attribute.String("ioc.id", ioc.ID),
			attribute.String("ioc.type", string(ioc.Type)),
		))
	defer span.End()

	report := Report{
		IOCID:           ioc.ID,
		Results:         make(map[string]intel.EnrichmentResult),
		PartialFailures: []PartialFailure{},
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkers)
	for _, src := range sources {
		provider, err := o.provider(src)
		if err != nil {
			mu.Lock()
			report.PartialFailures = append(report.PartialFailures, PartialFailure{
				Source: src.Name, SourceType: src.SourceType, Reason: err.Error(),
			})
			mu.Unlock()
			o.logger.Warn("Enrichment source unusable",
				zap.String("source", src.Name), zap.Error(err))
			continue
		}
		if !provider.Supports(ioc.Type) {
			continue
		}

		g.Go(func() error {
			res, err := o.query(ctx, src, provider, ioc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.PartialFailures = append(report.PartialFailures, PartialFailure{
					Source: src.Name, SourceType: src.SourceType, Reason: err.Error(),
				})
				return nil
			}
			report.Results[src.SourceType] = res
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.PartialFailures, func(i, j int) bool {
		return report.PartialFailures[i].Source < report.PartialFailures[j].Source
	})
	span.SetAttributes(
		attribute.Int("enrichment.results", len(report.Results)),
		attribute.Int("enrichment.failures", len(report.PartialFailures)),
	)
	return report, nil
}

// query performs one counted attempt against src.
func (o *Orchestrator) query(ctx context.Context, src intel.EnrichmentSource, provider Provider, ioc intel.IOC) (intel.EnrichmentResult, error) {
	timeout := src.CallTimeout(o.cfg.DefaultTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := observability.Tracer().Start(callCtx, "enrichment.lookup",
		trace.WithAttributes(
			attribute.String("source.name", src.Name),
			attribute.String("source.type", src.SourceType),
		))
	defer span.End()

	start := time.Now()
	payload, cached, err := o.lookup(callCtx, src, provider, ioc)
	took := time.Since(start)

	// The attempt is counted even when the caller has gone away.
	bg := context.WithoutCancel(ctx)
	if qerr := o.store.RecordQuery(bg, src.ID, err == nil); qerr != nil {
		o.logger.Error("Failed to record enrichment query",
			zap.String("source", src.Name), zap.Error(qerr))
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		span.SetStatus(codes.Error, err.Error())
		o.metrics.Enriched(src.SourceType, "failed", took, false)
		o.logger.Warn("Enrichment lookup failed",
			zap.String("source", src.Name),
			zap.String("ioc_id", ioc.ID),
			zap.Duration("took", took),
			zap.Error(err))
		return intel.EnrichmentResult{}, err
	}

	res, err := o.store.AddResult(bg, intel.EnrichmentResult{
		IOCID:      ioc.ID,
		SourceID:   src.ID,
		SourceType: src.SourceType,
		Payload:    payload,
		QueriedAt:  o.now(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return intel.EnrichmentResult{}, err
	}
	o.metrics.Enriched(src.SourceType, "success", took, cached)

	if conf, ok := payloadConfidence(payload); ok {
		if err := o.store.RaiseConfidence(bg, ioc.ID, conf, o.now()); err != nil {
			o.logger.Warn("Failed to raise confidence",
				zap.String("ioc_id", ioc.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (o *Orchestrator) lookup(ctx context.Context, src intel.EnrichmentSource, provider Provider, ioc intel.IOC) (map[string]any, bool, error) {
	key := CacheKey(src.ID, ioc)
	if payload, ok, err := o.cache.Get(ctx, key); err != nil {
		o.logger.Debug("Enrichment cache read failed", zap.Error(err))
	} else if ok {
		return payload, true, nil
	}

	if lim := o.limiter(src); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			return nil, false, fmt.Errorf("rate limited: %w", context.DeadlineExceeded)
		}
	}

	payload, err := provider.Lookup(ctx, ioc)
	if err != nil {
		return nil, false, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := o.cache.Set(ctx, key, payload); err != nil {
		o.logger.Debug("Enrichment cache write failed", zap.Error(err))
	}
	return payload, false, nil
}

// payloadConfidence extracts a numeric confidence in [0,1].
func payloadConfidence(payload map[string]any) (float64, bool) {
	var conf float64
	switch v := payload["confidence"].(type) {
	case float64:
		conf = v
	case float32:
		conf = float64(v)
	case int:
		conf = float64(v)
	case int64:
		conf = float64(v)
	default:
		return 0, false
	}
	if conf < 0 || conf > 1 {
		return 0, false
	}
	return conf, true
}

func (o *Orchestrator) provider(src intel.EnrichmentSource) (Provider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if bound, ok := o.providers[src.ID]; ok && sameDefinition(bound.src, src) {
		return bound.provider, nil
	}
	factory, ok := o.factories[src.Provider]
	if !ok {
		return nil, intel.ConfigError("unknown enrichment provider %q (supported: %s)", src.Provider, factoryNames(o.factories))
	}
	p, err := factory(src, o.client)
	if err != nil {
		return nil, err
	}
	o.providers[src.ID] = boundProvider{src: src, provider: p}
	return p, nil
}

func sameDefinition(a, b intel.EnrichmentSource) bool {
	if a.Provider != b.Provider || a.RateLimit != b.RateLimit || len(a.Config) != len(b.Config) {
		return false
	}
	for k, v := range a.Config {
		if b.Config[k] != v {
			return false
		}
	}
	return true
}

// limiter returns the per-source limiter, or nil when the source is unlimited.
// rate_limit is requests per minute.
func (o *Orchestrator) limiter(src intel.EnrichmentSource) *rate.Limiter {
	if src.RateLimit <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	lim, ok := o.limiters[src.ID]
	every := rate.Every(time.Minute / time.Duration(src.RateLimit))
	if !ok || lim.Limit() != every {
		lim = rate.NewLimiter(every, 1)
		o.limiters[src.ID] = lim
	}
	return lim
}

// =============================================================================
// Sources
// =============================================================================

// Latest returns the most recent result per source type for an indicator.
func (o *Orchestrator) Latest(ctx context.Context, iocID string) (map[string]intel.EnrichmentResult, error) {
	if _, err := o.store.GetIOC(ctx, iocID); err != nil {
		return nil, err
	}
	return o.store.LatestResults(ctx, iocID)
}

// ListSources returns every configured source.
func (o *Orchestrator) ListSources(ctx context.Context) ([]intel.EnrichmentSource, error) {
	return o.store.ListSources(ctx, false)
}

// CreateSource validates and stores a new source. Query counters always start
// at zero.
func (o *Orchestrator) CreateSource(ctx context.Context, src intel.EnrichmentSource) (intel.EnrichmentSource, error) {
	if err := o.validateSource(src); err != nil {
		return src, err
	}
	src.ID = uuid.NewString()
	src.TotalQueries, src.SuccessfulQueries, src.FailedQueries = 0, 0, 0
	src.CreatedAt = o.now()
	if err := o.store.CreateSource(ctx, src); err != nil {
		return src, err
	}
	o.logger.Info("Enrichment source created",
		zap.String("source", src.Name),
		zap.String("provider", src.Provider),
		zap.String("source_type", src.SourceType))
	return src, nil
}

// SeedSources creates the configured sources that do not exist yet.
// Existing sources are left as they are.
func (o *Orchestrator) SeedSources(ctx context.Context, seeds []config.SourceConfig) error {
	for _, seed := range seeds {
		src := intel.EnrichmentSource{
			Name:       seed.Name,
			SourceType: seed.SourceType,
			Provider:   seed.Provider,
			IsActive:   seed.Active,
			RateLimit:  seed.RateLimit,
			TimeoutMS:  seed.Timeout.Milliseconds(),
			Config:     seed.Settings,
		}
		if err := o.validateSource(src); err != nil {
			return fmt.Errorf("seeding source %s: %w", seed.Name, err)
		}
		src.CreatedAt = o.now()
		if _, created, err := o.store.EnsureSource(ctx, src); err != nil {
			return fmt.Errorf("seeding source %s: %w", seed.Name, err)
		} else if created {
			o.logger.Info("Seeded enrichment source", zap.String("source", seed.Name))
		}
	}
	return nil
}

func (o *Orchestrator) validateSource(src intel.EnrichmentSource) error {
	if err := o.validate.Struct(src); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return intel.ConfigError("invalid enrichment source: %s", strings.Join(msgs, "; "))
		}
		return intel.ConfigError("invalid enrichment source: %v", err)
	}
	factory, ok := o.factories[src.Provider]
	if !ok {
		return intel.ConfigError("unknown enrichment provider %q (supported: %s)", src.Provider, factoryNames(o.factories))
	}
	if _, err := factory(src, o.client); err != nil {
		return err
	}
	return nil
}
