package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/store"
)

// =============================================================================
// IOC Request/Response Types
// =============================================================================

// CreateIOCRequest is the body of POST /iocs.
type CreateIOCRequest struct {
	Type           string     `json:"type" validate:"required"`
	Value          string     `json:"value" validate:"required,max=2048"`
	Severity       string     `json:"severity,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty"`
	TLP            string     `json:"tlp,omitempty"`
	Description    string     `json:"description,omitempty" validate:"max=2000"`
	Tags           []string   `json:"tags,omitempty" validate:"max=50,dive,max=100"`
	ThreatFamilyID *string    `json:"threat_family_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// UpdateIOCRequest is the body of PUT /iocs/{id}. Unset fields are kept.
type UpdateIOCRequest struct {
	Severity       *string    `json:"severity,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	TLP            *string    `json:"tlp,omitempty"`
	Description    *string    `json:"description,omitempty" validate:"omitempty,max=2000"`
	Tags           []string   `json:"tags,omitempty" validate:"max=50,dive,max=100"`
	IsActive       *bool      `json:"is_active,omitempty"`
	ThreatFamilyID *string    `json:"threat_family_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// BulkImportRequest is the object form of POST /iocs/bulk. Data is a string
// for csv and plain, and a string or an array for json.
type BulkImportRequest struct {
	Format      string          `json:"format" validate:"required"`
	Data        json.RawMessage `json:"data" validate:"required"`
	DefaultType string          `json:"default_type,omitempty"`
}

// IOCListResponse is a page of indicators.
type IOCListResponse struct {
	IOCs   []intel.IOC `json:"iocs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// =============================================================================
// IOC Handlers
// =============================================================================

func (s *Server) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	f, err := parseIOCFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listIOCs(w, r, f)
}

func (s *Server) handleSearchIOCs(w http.ResponseWriter, r *http.Request) {
	var f store.IOCFilter
	if err := s.decode(w, r, &f); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.listIOCs(w, r, f)
}

func (s *Server) listIOCs(w http.ResponseWriter, r *http.Request, f store.IOCFilter) {
	iocs, total, err := s.deps.Store.ListIOCs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IOCListResponse{IOCs: iocs, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	ioc, err := s.deps.Store.GetIOC(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

func (s *Server) handleLookupIOC(w http.ResponseWriter, r *http.Request) {
	iocs, err := s.deps.Store.LookupIOC(r.Context(), chi.URLParam(r, "value"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if iocs == nil {
		iocs = []intel.IOC{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": len(iocs) > 0, "iocs": iocs})
}

func (s *Server) handleCreateIOC(w http.ResponseWriter, r *http.Request) {
	var req CreateIOCRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, norm, err := intel.Prepare(intel.Candidate{
		Type:           intel.IOCType(req.Type),
		Value:          req.Value,
		Severity:       intel.Severity(strings.ToLower(req.Severity)),
		Confidence:     req.Confidence,
		TLP:            intel.TLP(strings.ToLower(req.TLP)),
		Description:    req.Description,
		Tags:           req.Tags,
		ThreatFamilyID: req.ThreatFamilyID,
		ExpiresAt:      req.ExpiresAt,
	}, intel.Candidate{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ioc := intel.NewIOC(uuid.NewString(), c, norm, s.now())
	if err := s.deps.Store.CreateIOC(r.Context(), ioc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ioc)
}

// handleUpdateIOC applies a manual edit. Unlike ingestion it may lower
// confidence or severity.
func (s *Server) handleUpdateIOC(w http.ResponseWriter, r *http.Request) {
	var req UpdateIOCRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ioc, err := s.deps.Store.GetIOC(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Severity != nil {
		sev := intel.Severity(strings.ToLower(*req.Severity))
		if !sev.Valid() {
			s.writeError(w, r, intel.ValidationError("invalid severity %q", *req.Severity))
			return
		}
		ioc.Severity = sev
	}
	if req.TLP != nil {
		tlp := intel.TLP(strings.ToLower(*req.TLP))
		if !tlp.Valid() {
			s.writeError(w, r, intel.ValidationError("invalid tlp %q", *req.TLP))
			return
		}
		ioc.TLP = tlp
	}
	if req.Confidence != nil {
		ioc.Confidence = *req.Confidence
	}
	if req.Description != nil {
		ioc.Description = *req.Description
	}
	if req.Tags != nil {
		ioc.Tags = req.Tags
	}
	if req.IsActive != nil {
		ioc.IsActive = *req.IsActive
	}
	if req.ThreatFamilyID != nil {
		if *req.ThreatFamilyID == "" {
			ioc.ThreatFamilyID = nil
		} else {
			ioc.ThreatFamilyID = req.ThreatFamilyID
		}
	}
	if req.ExpiresAt != nil {
		ioc.ExpiresAt = req.ExpiresAt
	}
	ioc.UpdatedAt = s.now()

	if err := s.deps.Store.UpdateIOC(r.Context(), ioc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

func (s *Server) handleDeleteIOC(w http.ResponseWriter, r *http.Request) {
	hard := r.URL.Query().Get("hard") == "true"
	if err := s.deps.Store.DeleteIOC(r.Context(), chi.URLParam(r, "id"), hard, s.now()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBulkImport accepts either {format, data} or a bare JSON array of IOC
// objects.
func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, intel.ValidationError("reading body: %v", err))
		return
	}

	format := importer.FormatJSON
	raw := bytes.TrimSpace(body)
	var opts importer.Options
	if len(raw) > 0 && raw[0] != '[' {
		var req BulkImportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.writeError(w, r, intel.ValidationError("invalid JSON body: %v", err))
			return
		}
		if err := s.validate.Struct(&req); err != nil {
			s.writeError(w, r, validationError(err))
			return
		}
		if format, err = importer.ParseFormat(req.Format); err != nil {
			s.writeError(w, r, err)
			return
		}
		if raw, err = bulkData(req.Data); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.DefaultType != "" {
			t, ok := intel.ParseType(req.DefaultType)
			if !ok {
				s.writeError(w, r, intel.ValidationError("unsupported default_type %q", req.DefaultType))
				return
			}
			opts.DefaultType = t
		}
	}

	res, err := s.deps.Importer.Import(r.Context(), format, raw, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func bulkData(data json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, intel.ValidationError("invalid data: %v", err)
		}
		return []byte(text), nil
	}
	return trimmed, nil
}

// parseIOCFilter reads the list filters from the query string. Multi-valued
// filters take comma-separated lists.
func parseIOCFilter(r *http.Request) (store.IOCFilter, error) {
	q := r.URL.Query()
	var f store.IOCFilter

	for _, v := range splitList(q.Get("type")) {
		t, ok := intel.ParseType(v)
		if !ok {
			return f, intel.ValidationError("unsupported type %q", v)
		}
		f.Types = append(f.Types, t)
	}
	for _, v := range splitList(q.Get("severity")) {
		sev := intel.Severity(strings.ToLower(v))
		if !sev.Valid() {
			return f, intel.ValidationError("invalid severity %q", v)
		}
		f.Severities = append(f.Severities, sev)
	}
	for _, v := range splitList(q.Get("tlp")) {
		tlp := intel.TLP(strings.ToLower(v))
		if !tlp.Valid() {
			return f, intel.ValidationError("invalid tlp %q", v)
		}
		f.TLPs = append(f.TLPs, tlp)
	}
	f.SourceFeedIDs = splitList(q.Get("source_feed_id"))
	f.ThreatFamilyID = q.Get("threat_family_id")
	f.Query = q.Get("query")

	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, intel.ValidationError("is_active must be a boolean")
		}
		f.Active = &b
	}
	var err error
	if f.MinConfidence, err = floatParam(q.Get("min_confidence"), "min_confidence"); err != nil {
		return f, err
	}
	if f.MaxConfidence, err = floatParam(q.Get("max_confidence"), "max_confidence"); err != nil {
		return f, err
	}
	if f.Since, err = timeParam(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = pageParams(r); err != nil {
		return f, err
	}
	return f, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, intel.ValidationError("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, intel.ValidationError("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func floatParam(v, name string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return nil, intel.ValidationError("%s must be a number in [0,1]", name)
	}
	return &f, nil
}

func timeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, intel.ValidationError("%s must be RFC3339", name)
	}
	return &t, nil
}
