package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/ingest"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/store"
)

const testToken = "test-token"

// fakeImporter records the payloads it is given.
type fakeImporter struct {
	mu      sync.Mutex
	formats []importer.Format
	payload []byte
	opts    importer.Options
	err     error
}

func (f *fakeImporter) Import(_ context.Context, format importer.Format, raw []byte, opts importer.Options) (importer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formats = append(f.formats, format)
	f.payload = raw
	f.opts = opts
	if f.err != nil {
		return importer.Result{}, f.err
	}
	return importer.Result{RunID: "run-1", Created: 1, Errors: []intel.RecordError{}}, nil
}

func newReceiver(t *testing.T, imp Importer) *HECReceiver {
	t.Helper()
	t.Setenv("TEST_HEC_TOKEN", testToken)
	return NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN", MaxBatchSize: 1000}, imp, nil)
}

func post(t *testing.T, h http.Handler, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Splunk "+testToken)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func hecCode(t *testing.T, rr *httptest.ResponseRecorder) float64 {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	code, _ := response["code"].(float64)
	return code
}

// =============================================================================
// Token Tests
// =============================================================================

// TestValidateToken_EmptyTokenFailsClosed verifies that when no token is
// configured in the environment, requests are rejected.
func TestValidateToken_EmptyTokenFailsClosed(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN"}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("Authorization", "Splunk some-token")

	if receiver.validateToken(req) {
		t.Error("validateToken should return false when token env var is empty")
	}
}

// TestValidateToken_QueryParamRejected verifies that tokens passed via query
// parameter are rejected.
func TestValidateToken_QueryParamRejected(t *testing.T) {
	receiver := newReceiver(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/event?token="+testToken, nil)
	if receiver.validateToken(req) {
		t.Error("validateToken should reject tokens passed via query parameter")
	}
}

// TestValidateToken_InvalidHeaderRejected verifies that malformed Authorization
// headers are rejected.
func TestValidateToken_InvalidHeaderRejected(t *testing.T) {
	receiver := newReceiver(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"empty header", ""},
		{"wrong prefix", "Bearer " + testToken},
		{"no prefix", testToken},
		{"wrong token", "Splunk wrong-token"},
		{"token prefix", "Splunk " + testToken[:len(testToken)-1]},
		{"token with suffix", "Splunk " + testToken + "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/event", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if receiver.validateToken(req) {
				t.Errorf("validateToken should reject header: %q", tt.header)
			}
		})
	}
}

// TestValidateToken_Accepted verifies the configured token is accepted.
func TestValidateToken_Accepted(t *testing.T) {
	receiver := newReceiver(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/event", nil)
	req.Header.Set("Authorization", "Splunk "+testToken)
	if !receiver.validateToken(req) {
		t.Error("validateToken should accept the configured token")
	}
}

// TestHandleEvent_AuthFailure verifies that unauthenticated requests are
// rejected with 403 and HEC code 4.
func TestHandleEvent_AuthFailure(t *testing.T) {
	imp := &fakeImporter{}
	rr := post(t, newReceiver(t, imp).Routes(), "/event", `{"event":"192.0.2.1"}`, false)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
	if code := hecCode(t, rr); code != codeInvalidToken {
		t.Errorf("expected HEC error code 4 (invalid token), got %v", code)
	}
	if len(imp.formats) != 0 {
		t.Error("importer should not be called without a valid token")
	}
}

// =============================================================================
// Parsing Tests
// =============================================================================

// TestParseEvents_MaxBatchSizeEnforced verifies that batches exceeding
// MaxBatchSize are rejected.
func TestParseEvents_MaxBatchSizeEnforced(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{MaxBatchSize: 5}, nil, nil)

	body := []byte(strings.Repeat(`{"event":"test"}`+"\n", 10))
	_, err := receiver.parseEvents(body)
	if err == nil {
		t.Fatal("parseEvents should return error when batch exceeds MaxBatchSize")
	}
	if !strings.Contains(err.Error(), "batch exceeds maximum size") {
		t.Errorf("error should mention batch size limit, got: %v", err)
	}
}

// TestParseEvents_Concatenated verifies newline-delimited and back-to-back
// events both parse.
func TestParseEvents_Concatenated(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{}, nil, nil)

	parsed, err := receiver.parseEvents([]byte(`{"event":"a","host":"h1"}{"event":"b"}` + "\n" + `{"event":"c"}`))
	if err != nil {
		t.Fatalf("parseEvents failed: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("expected 3 events, got %d", len(parsed))
	}
	if parsed[0].Host != "h1" {
		t.Errorf("expected host=h1, got %s", parsed[0].Host)
	}
}

// TestParseEvents_EventRequired verifies events without an event field are
// rejected with HEC code 12.
func TestParseEvents_EventRequired(t *testing.T) {
	receiver := NewHECReceiver(ReceiverConfig{}, nil, nil)

	_, err := receiver.parseEvents([]byte(`{"host":"h1"}`))
	var he *hecError
	if !errors.As(err, &he) || he.code != codeEventRequired {
		t.Errorf("expected event-required error, got %v", err)
	}
}

// TestEventsToJSON verifies objects keep their keys, indexed fields fill gaps
// and the sourcetype becomes a tag.
func TestEventsToJSON(t *testing.T) {
	raw, err := eventsToJSON([]HECEvent{
		{
			SourceType: "suricata",
			Event:      map[string]any{"type": "ip", "value": "192.0.2.1", "tags": []any{"scanner"}},
			Fields:     map[string]any{"severity": "high", "type": "domain"},
		},
		{Event: "evil.example.com", Fields: map[string]any{"type": "domain"}},
	})
	if err != nil {
		t.Fatalf("eventsToJSON failed: %v", err)
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0]["type"] != "ip" {
		t.Errorf("event keys should win over fields, got type=%v", items[0]["type"])
	}
	if items[0]["severity"] != "high" {
		t.Errorf("expected severity from fields, got %v", items[0]["severity"])
	}
	tags, _ := items[0]["tags"].([]any)
	if len(tags) != 2 || tags[1] != "hec:suricata" {
		t.Errorf("expected sourcetype tag appended, got %v", items[0]["tags"])
	}
	if items[1]["value"] != "evil.example.com" || items[1]["type"] != "domain" {
		t.Errorf("unexpected string event conversion: %v", items[1])
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

// TestHandleEvent_Success verifies events are handed to the importer as JSON.
func TestHandleEvent_Success(t *testing.T) {
	imp := &fakeImporter{}
	receiver := newReceiver(t, imp)

	body := `{"event":{"type":"ip","value":"192.0.2.1"},"host":"myhost"}`
	rr := post(t, receiver.Routes(), "/event", body, true)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := hecCode(t, rr); code != codeSuccess {
		t.Errorf("expected HEC code 0, got %v", code)
	}
	if len(imp.formats) != 1 || imp.formats[0] != importer.FormatJSON {
		t.Errorf("expected one JSON import, got %v", imp.formats)
	}
	if !bytes.Contains(imp.payload, []byte(`"192.0.2.1"`)) {
		t.Errorf("payload missing indicator: %s", imp.payload)
	}

	stats := receiver.Stats()
	if stats.EventsReceived != 1 || stats.BytesReceived != int64(len(body)) {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestHandleEvent_ImportError verifies importer failures map to HEC code 8
// and count as dropped.
func TestHandleEvent_ImportError(t *testing.T) {
	imp := &fakeImporter{err: errors.New("store unavailable")}
	receiver := newReceiver(t, imp)

	rr := post(t, receiver.Routes(), "/event", `{"event":"192.0.2.1"}`, true)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if code := hecCode(t, rr); code != codeServerError {
		t.Errorf("expected HEC code 8, got %v", code)
	}
	if stats := receiver.Stats(); stats.EventsDropped != 1 {
		t.Errorf("expected EventsDropped=1, got %d", stats.EventsDropped)
	}
}

// TestHandleEvent_NoData verifies an empty body is HEC code 5.
func TestHandleEvent_NoData(t *testing.T) {
	rr := post(t, newReceiver(t, &fakeImporter{}).Routes(), "/event", "  ", true)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
	if code := hecCode(t, rr); code != codeNoData {
		t.Errorf("expected HEC code 5, got %v", code)
	}
}

// TestHandleRaw_TypeParam verifies raw lines import as plain text with the
// requested type.
func TestHandleRaw_TypeParam(t *testing.T) {
	imp := &fakeImporter{}
	receiver := newReceiver(t, imp)

	rr := post(t, receiver.Routes(), "/raw?type=domain", "evil.example.com\nbad.example.org", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if imp.formats[0] != importer.FormatPlain || imp.opts.DefaultType != intel.IOCTypeDomain {
		t.Errorf("unexpected import call: %v %+v", imp.formats, imp.opts)
	}
	if stats := receiver.Stats(); stats.EventsReceived != 2 {
		t.Errorf("expected EventsReceived=2, got %d", stats.EventsReceived)
	}

	rr = post(t, receiver.Routes(), "/raw?type=banana", "x", true)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown type, got %d", rr.Code)
	}
}

// TestHandleEvent_TooLarge verifies bodies over MaxEventSize are refused.
func TestHandleEvent_TooLarge(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", testToken)
	receiver := NewHECReceiver(ReceiverConfig{TokenEnv: "TEST_HEC_TOKEN", MaxEventSize: 16}, &fakeImporter{}, nil)

	rr := post(t, receiver.Routes(), "/event", `{"event":"0123456789abcdef"}`, true)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rr.Code)
	}
}

// TestHealth verifies the health endpoint needs no token.
func TestHealth(t *testing.T) {
	receiver := newReceiver(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	receiver.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if code := hecCode(t, rr); code != codeHealthy {
		t.Errorf("expected HEC code 17, got %v", code)
	}
}

// TestReceiverStats_Concurrent verifies that stats are updated correctly under
// concurrent access.
func TestReceiverStats_Concurrent(t *testing.T) {
	receiver := newReceiver(t, &fakeImporter{})
	h := receiver.Routes()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{"event":"192.0.2.1"}`))
			req.Header.Set("Authorization", "Splunk "+testToken)
			h.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	if stats := receiver.Stats(); stats.EventsReceived != 100 {
		t.Errorf("expected EventsReceived=100, got %d", stats.EventsReceived)
	}
}

// =============================================================================
// Integration
// =============================================================================

// TestHandleEvent_IntoStore verifies pushed events land in the store with
// their sourcetype tag.
func TestHandleEvent_IntoStore(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "feedforge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	imp := importer.New(st, ingest.NewTracker(st))
	receiver := newReceiver(t, imp)

	body := `{"sourcetype":"zeek","event":{"type":"domain","value":"c2.example.com","severity":"high"}}
{"sourcetype":"zeek","event":{"type":"ip","value":"not-an-ip"}}`
	rr := post(t, receiver.Routes(), "/event", body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response map[string]any
	json.Unmarshal(rr.Body.Bytes(), &response)
	if response["created"] != float64(1) || response["rejected"] != float64(1) {
		t.Errorf("expected 1 created and 1 rejected, got %v", response)
	}

	iocs, _, err := st.ListIOCs(context.Background(), store.IOCFilter{Types: []intel.IOCType{intel.IOCTypeDomain}})
	if err != nil {
		t.Fatalf("list iocs: %v", err)
	}
	if len(iocs) != 1 {
		t.Fatalf("expected 1 ioc, got %d", len(iocs))
	}
	found := false
	for _, tag := range iocs[0].Tags {
		if tag == "hec:zeek" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected hec:zeek tag, got %v", iocs[0].Tags)
	}
}
