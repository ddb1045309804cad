package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// CreateSourceRequest is the body of POST /enrichment/sources.
type CreateSourceRequest struct {
	Name       string            `json:"name"`
	SourceType string            `json:"source_type"`
	Provider   string            `json:"provider"`
	IsActive   *bool             `json:"is_active,omitempty"`
	RateLimit  int               `json:"rate_limit"`
	Timeout    string            `json:"timeout,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Enrichment.Enrich(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetEnrichment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := s.deps.Enrichment.Latest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ioc_id": id, "results": results})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Enrichment.ListSources(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sources == nil {
		sources = []intel.EnrichmentSource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "total": len(sources)})
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req CreateSourceRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	src := intel.EnrichmentSource{
		Name:       req.Name,
		SourceType: req.SourceType,
		Provider:   req.Provider,
		IsActive:   req.IsActive == nil || *req.IsActive,
		RateLimit:  req.RateLimit,
		Config:     req.Config,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			s.writeError(w, r, intel.ConfigError("timeout %q is not a valid duration", req.Timeout))
			return
		}
		src.TimeoutMS = d.Milliseconds()
	}

	created, err := s.deps.Enrichment.CreateSource(r.Context(), src)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
