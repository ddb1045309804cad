// Package ingestion accepts indicators pushed over the Splunk HTTP Event
// Collector protocol and hands them to the bulk importer.
package ingestion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/intel"
)

// HEC status codes.
const (
	codeSuccess       = 0
	codeInvalidToken  = 4
	codeNoData        = 5
	codeInvalidFormat = 6
	codeServerError   = 8
	codeEventRequired = 12
	codeHealthy       = 17
)

// Importer is the part of the bulk importer the receiver needs.
type Importer interface {
	Import(ctx context.Context, format importer.Format, raw []byte, opts importer.Options) (importer.Result, error)
}

// HECReceiver serves the HEC event, raw and health endpoints.
type HECReceiver struct {
	config   ReceiverConfig
	importer Importer
	logger   *zap.Logger
	mu       sync.RWMutex
	stats    ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int64  `yaml:"max_event_size"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "FEEDFORGE_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1 << 20,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// HECEvent represents a Splunk HEC event. Event is either an indicator object
// or a bare value string.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// hecError is a request failure with its HEC code.
type hecError struct {
	status int
	code   int
	text   string
}

func (e *hecError) Error() string { return e.text }

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, imp Importer, logger *zap.Logger) *HECReceiver {
	def := DefaultReceiverConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = def.MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECReceiver{config: config, importer: imp, logger: logger}
}

// Routes returns the collector endpoints, to be mounted at
// /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/", r.handleEvent)
	mux.Post("/event", r.handleEvent)
	mux.Post("/event/1.0", r.handleEvent)
	mux.Post("/raw", r.handleRaw)
	mux.Post("/raw/1.0", r.handleRaw)
	mux.Get("/health", r.handleHealth)
	mux.Get("/health/1.0", r.handleHealth)
	return mux
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *HECReceiver) record(events, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(events)
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()
}

func (r *HECReceiver) dropped(events int) {
	r.mu.Lock()
	r.stats.EventsDropped += int64(events)
	r.mu.Unlock()
}

// handleEvent imports a batch of JSON events.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, codeInvalidToken, "Invalid token", nil)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		r.fail(w, err)
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		r.fail(w, err)
		return
	}
	r.record(len(events), len(body))

	payload, err := eventsToJSON(events)
	if err != nil {
		r.dropped(len(events))
		r.fail(w, err)
		return
	}
	r.importPayload(w, req, importer.FormatJSON, payload, importer.Options{}, len(events))
}

// handleRaw imports newline-separated values. The ioc type comes from the
// "type" query parameter and defaults to ip.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, codeInvalidToken, "Invalid token", nil)
		return
	}

	var opts importer.Options
	if raw := req.URL.Query().Get("type"); raw != "" {
		t, ok := intel.ParseType(raw)
		if !ok {
			writeHEC(w, http.StatusBadRequest, codeInvalidFormat, fmt.Sprintf("Unknown ioc type %q", raw), nil)
			return
		}
		opts.DefaultType = t
	}

	body, err := r.readBody(req)
	if err != nil {
		r.fail(w, err)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeHEC(w, http.StatusBadRequest, codeNoData, "No data", nil)
		return
	}
	lines := bytes.Count(body, []byte("\n")) + 1
	r.record(lines, len(body))
	r.importPayload(w, req, importer.FormatPlain, body, opts, lines)
}

func (r *HECReceiver) importPayload(w http.ResponseWriter, req *http.Request, format importer.Format, payload []byte, opts importer.Options, events int) {
	res, err := r.importer.Import(req.Context(), format, payload, opts)
	switch {
	case err == nil:
	case errors.Is(err, intel.ErrEmptyBatch):
		writeHEC(w, http.StatusBadRequest, codeNoData, "No data", nil)
		return
	case errors.Is(err, intel.ErrParse), errors.Is(err, intel.ErrValidation):
		r.dropped(events)
		writeHEC(w, http.StatusBadRequest, codeInvalidFormat, err.Error(), nil)
		return
	default:
		r.dropped(events)
		r.logger.Error("HEC import failed", zap.String("format", string(format)), zap.Error(err))
		writeHEC(w, http.StatusInternalServerError, codeServerError, "Error processing events", nil)
		return
	}

	writeHEC(w, http.StatusOK, codeSuccess, "Success", map[string]any{
		"run_id":   res.RunID,
		"created":  res.Created,
		"updated":  res.Updated,
		"rejected": len(res.Errors),
	})
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, codeHealthy, "HEC is healthy", nil)
}

// validateToken checks the HEC token in the Authorization header. It fails
// closed when no token is configured.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}

func (r *HECReceiver) readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, r.config.MaxEventSize+1))
	if err != nil {
		return nil, &hecError{http.StatusBadRequest, codeInvalidFormat, "Error reading body"}
	}
	if int64(len(body)) > r.config.MaxEventSize {
		return nil, &hecError{http.StatusRequestEntityTooLarge, codeInvalidFormat, "Request body too large"}
	}
	return body, nil
}

func (r *HECReceiver) fail(w http.ResponseWriter, err error) {
	var he *hecError
	if errors.As(err, &he) {
		writeHEC(w, he.status, he.code, he.text, nil)
		return
	}
	writeHEC(w, http.StatusBadRequest, codeInvalidFormat, err.Error(), nil)
}

// parseEvents parses HEC event body (one JSON object or several
// concatenated ones).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &hecError{http.StatusBadRequest, codeNoData, "No data"}
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		if len(events) >= r.config.MaxBatchSize {
			return nil, &hecError{http.StatusBadRequest, codeInvalidFormat,
				fmt.Sprintf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)}
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, &hecError{http.StatusBadRequest, codeInvalidFormat, fmt.Sprintf("Invalid data format: %v", err)}
		}
		if event.Event == nil {
			return nil, &hecError{http.StatusBadRequest, codeEventRequired, fmt.Sprintf("Event field is required (event %d)", len(events))}
		}
		events = append(events, event)
	}
	return events, nil
}

// eventsToJSON turns events into the importer's JSON array format. Indexed
// fields fill keys the event lacks, and the sourcetype becomes a tag.
func eventsToJSON(events []HECEvent) ([]byte, error) {
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		var obj map[string]any
		switch v := ev.Event.(type) {
		case map[string]any:
			obj = make(map[string]any, len(v)+len(ev.Fields)+1)
			for k, val := range v {
				obj[k] = val
			}
		case string:
			obj = map[string]any{"value": v}
		default:
			obj = map[string]any{"value": fmt.Sprint(v)}
		}
		for k, val := range ev.Fields {
			if _, ok := obj[k]; !ok {
				obj[k] = val
			}
		}
		if ev.SourceType != "" {
			obj["tags"] = appendTag(obj["tags"], "hec:"+ev.SourceType)
		}
		items = append(items, obj)
	}
	return json.Marshal(items)
}

func appendTag(existing any, tag string) any {
	list, ok := existing.([]any)
	if !ok {
		if existing != nil {
			return existing
		}
		return []any{tag}
	}
	return append(append([]any{}, list...), tag)
}

func writeHEC(w http.ResponseWriter, status, code int, text string, extra map[string]any) {
	body := map[string]any{"text": text, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
