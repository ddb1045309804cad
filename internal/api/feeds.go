package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/mitre"
	"github.com/lvonguyen/feedforge/internal/store"
)

// FeedView is a feed with its derived health.
type FeedView struct {
	intel.Feed
	Status intel.FeedStatus `json:"status"`
}

// FeedStats summarises a feed's history.
type FeedStats struct {
	FeedID            string            `json:"feed_id"`
	TotalIOCs         int               `json:"total_iocs"`
	SuccessfulUpdates int               `json:"successful_updates"`
	FailedUpdates     int               `json:"failed_updates"`
	LastUpdate        *time.Time        `json:"last_update,omitempty"`
	Status            intel.FeedStatus  `json:"status"`
	RecentUpdates     []intel.UpdateRun `json:"recent_updates"`
}

func (s *Server) view(f intel.Feed) FeedView {
	return FeedView{Feed: f, Status: f.Status(s.now(), s.deps.Health)}
}

// =============================================================================
// Feed Handlers
// =============================================================================

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.deps.Scheduler.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]FeedView, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, s.view(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out, "total": len(out)})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := s.deps.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(feed))
}

// handleCreateFeed registers a feed. The scheduler owns validation so config
// errors carry the adapter's required-field message.
func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	var feed intel.Feed
	if err := s.decodeJSON(w, r, &feed); err != nil {
		s.writeError(w, r, err)
		return
	}
	feed.ID = ""
	created, err := s.deps.Scheduler.Register(r.Context(), feed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(created))
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	var feed intel.Feed
	if err := s.decodeJSON(w, r, &feed); err != nil {
		s.writeError(w, r, err)
		return
	}
	feed.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Scheduler.Update(r.Context(), feed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(updated))
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerFeed starts a manual run and returns before it finishes.
func (s *Server) handleTriggerFeed(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Scheduler.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":  run.ID,
		"feed_id": run.FeedID,
		"status":  string(run.Status),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.deps.Scheduler.Cancel(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")
	if _, err := s.deps.Scheduler.Get(r.Context(), feedID); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, total, err := s.deps.Store.ListRuns(r.Context(), feedID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []intel.UpdateRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": runs, "total": total})
}

func (s *Server) handleFeedStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	feed, err := s.deps.Scheduler.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.deps.Store.CountIOCsByFeed(ctx, feed.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recent, _, err := s.deps.Store.ListRuns(ctx, feed.ID, 5, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recent == nil {
		recent = []intel.UpdateRun{}
	}
	writeJSON(w, http.StatusOK, FeedStats{
		FeedID:            feed.ID,
		TotalIOCs:         total,
		SuccessfulUpdates: feed.SuccessfulUpdates,
		FailedUpdates:     feed.FailedUpdates,
		LastUpdate:        feed.LastUpdate,
		Status:            feed.Status(s.now(), s.deps.Health),
		RecentUpdates:     recent,
	})
}

// =============================================================================
// Threat Family Handlers
// =============================================================================

func (s *Server) handleListFamilies(w http.ResponseWriter, r *http.Request) {
	families, err := s.deps.Store.ListFamilies(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if families == nil {
		families = []intel.ThreatFamily{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"families": families, "total": len(families)})
}

func (s *Server) handleCreateFamily(w http.ResponseWriter, r *http.Request) {
	var fam intel.ThreatFamily
	if err := s.decode(w, r, &fam); err != nil {
		s.writeError(w, r, err)
		return
	}
	if fam.MitreID != "" && !mitre.ValidID(fam.MitreID) {
		s.writeError(w, r, intel.ValidationError("mitre_id %q is not an ATT&CK identifier", fam.MitreID))
		return
	}
	fam.ID = uuid.NewString()
	fam.CreatedAt = s.now()
	if fam.Aliases == nil {
		fam.Aliases = []string{}
	}
	if err := s.deps.Store.CreateFamily(r.Context(), fam); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fam)
}

func (s *Server) handleFamilyIOCs(w http.ResponseWriter, r *http.Request) {
	fam, err := s.deps.Store.GetFamily(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listIOCs(w, r, store.IOCFilter{ThreatFamilyID: fam.ID, Limit: limit, Offset: offset})
}
