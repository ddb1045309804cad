// Package api exposes the FeedForge REST interface.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/enrichment"
	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/observability"
	"github.com/lvonguyen/feedforge/internal/scheduler"
	"github.com/lvonguyen/feedforge/internal/store"
)

// Version is reported by /health.
var Version = "dev"

// Deps are the services the API fronts. Redis, Limiter, Metrics, HEC and
// MetricsHandler may be nil.
type Deps struct {
	Store      *store.Store
	Scheduler  *scheduler.Scheduler
	Importer   *importer.Importer
	Enrichment *enrichment.Orchestrator
	Health     intel.HealthThresholds
	Redis      *redis.Client
	Limiter    *RateLimiter
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	// HEC serves the Splunk HEC intake under /services/collector when set.
	HEC http.Handler

	// MetricsHandler serves /metrics. Nil means the default registry.
	MetricsHandler http.Handler

	// RequestTimeout bounds each request. Zero means 60s.
	RequestTimeout time.Duration
	// MaxBodyBytes bounds request bodies. Zero means 32MB.
	MaxBodyBytes int64
}

// Server holds the handlers.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 32 << 20
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	return &Server{
		deps:     deps,
		logger:   deps.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.deps.MetricsHandler)
	if s.deps.HEC != nil {
		r.Mount("/services/collector", s.deps.HEC)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware(clientID))
		}

		r.Route("/iocs", func(r chi.Router) {
			r.Get("/", s.handleListIOCs)
			r.Post("/", s.handleCreateIOC)
			r.Post("/search", s.handleSearchIOCs)
			r.Post("/bulk", s.handleBulkImport)
			r.Get("/lookup/{value}", s.handleLookupIOC)
			r.Get("/{id}", s.handleGetIOC)
			r.Put("/{id}", s.handleUpdateIOC)
			r.Delete("/{id}", s.handleDeleteIOC)
			r.Post("/{id}/enrich", s.handleEnrich)
			r.Get("/{id}/enrichment", s.handleGetEnrichment)
		})

		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.handleListFeeds)
			r.Post("/", s.handleCreateFeed)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
			r.Get("/{id}", s.handleGetFeed)
			r.Put("/{id}", s.handleUpdateFeed)
			r.Delete("/{id}", s.handleDeleteFeed)
			r.Post("/{id}/update", s.handleTriggerFeed)
			r.Get("/{id}/updates", s.handleListRuns)
			r.Get("/{id}/stats", s.handleFeedStats)
		})

		r.Route("/families", func(r chi.Router) {
			r.Get("/", s.handleListFamilies)
			r.Post("/", s.handleCreateFamily)
			r.Get("/{id}/iocs", s.handleFamilyIOCs)
		})

		r.Route("/enrichment/sources", func(r chi.Router) {
			r.Get("/", s.handleListSources)
			r.Post("/", s.handleCreateSource)
		})
	})

	return r
}

// =============================================================================
// Ops
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into the struct dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := s.decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// decodeJSON reads a JSON body into dst without validating it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		return intel.ValidationError("reading body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return intel.ValidationError("invalid JSON body: %v", err)
	}
	return nil
}
