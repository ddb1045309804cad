package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
)

func strPtr(s string) *string { return &s }

func testFeed(t intel.FeedType, url string, cfg map[string]string) intel.Feed {
	f := intel.Feed{
		ID:              "feed-1",
		Name:            "test feed",
		Type:            t,
		Reliability:     intel.ReliabilityB,
		Confidence:      0.8,
		UpdateFrequency: 3600,
		IsActive:        true,
		Config:          cfg,
	}
	if url != "" {
		f.URL = strPtr(url)
	}
	return f
}

func fetchReason(t *testing.T, err error) intel.FetchReason {
	t.Helper()
	var fe *intel.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *intel.FetchError, got %T: %v", err, err)
	}
	return fe.Reason
}

// =============================================================================
// Registry Tests
// =============================================================================

// TestRegistry_UnknownType verifies that an unregistered type is a config error.
func TestRegistry_UnknownType(t *testing.T) {
	r := DefaultRegistry(nil)

	_, err := r.Get("stix")
	if !errors.Is(err, intel.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "csv, json, misp, otx, plain") {
		t.Errorf("error should list supported types, got: %v", err)
	}
}

// TestRegistry_ManualIsNotSchedulable verifies the import pseudo-feed type has
// no adapter.
func TestRegistry_ManualIsNotSchedulable(t *testing.T) {
	r := DefaultRegistry(nil)
	if err := r.Validate(testFeed(intel.FeedTypeManual, "", nil)); !errors.Is(err, intel.ErrConfig) {
		t.Errorf("expected config error for manual feed, got %v", err)
	}
}

// TestRegistry_RequiredFields verifies missing adapter fields are reported.
func TestRegistry_RequiredFields(t *testing.T) {
	r := DefaultRegistry(nil)

	tests := []struct {
		name    string
		feed    intel.Feed
		wantErr string
	}{
		{"plain without url", testFeed(intel.FeedTypePlain, "", nil), "requires url"},
		{"misp without key", testFeed(intel.FeedTypeMISP, "https://misp.local", nil), "requires api_key_env"},
		{"misp without both", testFeed(intel.FeedTypeMISP, "", nil), "requires url, api_key_env"},
		{"otx needs nothing", testFeed(intel.FeedTypeOTX, "", nil), ""},
		{"csv with url", testFeed(intel.FeedTypeCSV, "https://lists.local/a.csv", nil), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.feed)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Status Classification Tests
// =============================================================================

// TestClassifyStatus verifies HTTP statuses map onto fetch failure reasons.
func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want intel.FetchReason
	}{
		{http.StatusUnauthorized, intel.FetchAuthRejected},
		{http.StatusForbidden, intel.FetchAuthRejected},
		{http.StatusTooManyRequests, intel.FetchUnreachable},
		{http.StatusInternalServerError, intel.FetchUnreachable},
		{http.StatusBadGateway, intel.FetchUnreachable},
		{http.StatusNotFound, intel.FetchMalformedResponse},
		{http.StatusBadRequest, intel.FetchMalformedResponse},
	}

	for _, tt := range tests {
		err := classifyStatus("feed", tt.code, []byte("nope"))
		if got := fetchReason(t, err); got != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.code, tt.want, got)
		}
	}

	if err := classifyStatus("feed", http.StatusOK, nil); err != nil {
		t.Errorf("200 should not be an error, got %v", err)
	}
}

// TestFetch_Unreachable verifies a closed server is reported as unreachable.
func TestFetch_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	a := NewListAdapter(intel.FeedTypePlain, &http.Client{Timeout: time.Second})
	_, err := a.Fetch(context.Background(), testFeed(intel.FeedTypePlain, url, nil))
	if got := fetchReason(t, err); got != intel.FetchUnreachable {
		t.Errorf("expected unreachable, got %s", got)
	}
}

// =============================================================================
// List Adapter Tests
// =============================================================================

// TestListAdapter_Plain verifies a plain list fetch and normalize with feed
// defaults applied.
func TestListAdapter_Plain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "list-secret" {
			t.Errorf("expected auth header, got %q", got)
		}
		io.WriteString(w, "# blocklist\n198.51.100.1\n\n198.51.100.2\nnot-an-ip\n")
	}))
	defer server.Close()

	t.Setenv("TEST_LIST_KEY", "list-secret")
	feed := testFeed(intel.FeedTypePlain, server.URL, map[string]string{
		"api_key_env": "TEST_LIST_KEY",
		"auth_header": "X-Api-Key",
	})

	a := NewListAdapter(intel.FeedTypePlain, server.Client())
	p, err := a.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("Fetch should succeed: %v", err)
	}

	b, err := a.Normalize(feed, p)
	if err != nil {
		t.Fatalf("Normalize should succeed: %v", err)
	}

	// Value validation happens at ingest, so the bad line is still a candidate.
	if len(b.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(b.Candidates))
	}
	c := b.Candidates[0]
	if c.Type != intel.IOCTypeIP || c.Value != "198.51.100.1" {
		t.Errorf("unexpected candidate %+v", c)
	}
	if c.Confidence == nil || *c.Confidence != 0.8 {
		t.Errorf("expected feed confidence 0.8, got %v", c.Confidence)
	}
	if c.SourceFeedID == nil || *c.SourceFeedID != "feed-1" {
		t.Errorf("expected source feed id, got %v", c.SourceFeedID)
	}
	if c.Reliability != intel.ReliabilityB {
		t.Errorf("expected feed reliability, got %q", c.Reliability)
	}
}

// TestListAdapter_PlainIOCType verifies ioc_type overrides the plain default.
func TestListAdapter_PlainIOCType(t *testing.T) {
	feed := testFeed(intel.FeedTypePlain, "http://unused", map[string]string{"ioc_type": "domain"})
	a := NewListAdapter(intel.FeedTypePlain, nil)

	b, err := a.Normalize(feed, Payload{Pages: [][]byte{[]byte("evil.example\n")}})
	if err != nil {
		t.Fatalf("Normalize should succeed: %v", err)
	}
	if len(b.Candidates) != 1 || b.Candidates[0].Type != intel.IOCTypeDomain {
		t.Errorf("expected one domain candidate, got %+v", b.Candidates)
	}
}

// TestListAdapter_CSVRejectsRows verifies unreadable rows are rejected without
// failing the batch.
func TestListAdapter_CSVRejectsRows(t *testing.T) {
	feed := testFeed(intel.FeedTypeCSV, "http://unused", nil)
	a := NewListAdapter(intel.FeedTypeCSV, nil)

	csv := "indicator,type,confidence\n203.0.113.9,ip,0.9\n203.0.113.10,ip,high\n"
	b, err := a.Normalize(feed, Payload{Pages: [][]byte{[]byte(csv)}})
	if err != nil {
		t.Fatalf("Normalize should succeed: %v", err)
	}
	if len(b.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(b.Candidates))
	}
	if *b.Candidates[0].Confidence != 0.9 {
		t.Errorf("row confidence should win over feed default, got %v", *b.Candidates[0].Confidence)
	}
	if len(b.Rejected) != 1 || b.Rejected[0].Row != 1 {
		t.Errorf("expected row 1 rejected, got %+v", b.Rejected)
	}
}

// TestListAdapter_MalformedJSON verifies a non-array body is malformed.
func TestListAdapter_MalformedJSON(t *testing.T) {
	feed := testFeed(intel.FeedTypeJSON, "http://unused", nil)
	a := NewListAdapter(intel.FeedTypeJSON, nil)

	_, err := a.Normalize(feed, Payload{Pages: [][]byte{[]byte(`{"data": []}`)}})
	if got := fetchReason(t, err); got != intel.FetchMalformedResponse {
		t.Errorf("expected malformed, got %s", got)
	}
}

// =============================================================================
// OTX Adapter Tests
// =============================================================================

// TestOTXAdapter_MissingAPIKey verifies a missing key is an auth rejection.
func TestOTXAdapter_MissingAPIKey(t *testing.T) {
	t.Setenv("TEST_OTX_KEY", "")
	feed := testFeed(intel.FeedTypeOTX, "", map[string]string{"api_key_env": "TEST_OTX_KEY"})

	_, err := NewOTXAdapter(nil).Fetch(context.Background(), feed)
	if got := fetchReason(t, err); got != intel.FetchAuthRejected {
		t.Errorf("expected auth rejected, got %s", got)
	}
	if !strings.Contains(err.Error(), "OTX API key not found") {
		t.Errorf("error should mention missing API key, got: %v", err)
	}
}

// TestOTXAdapter_FetchPaginates verifies pages are followed until next is empty.
func TestOTXAdapter_FetchPaginates(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pulses/subscribed" {
			t.Errorf("expected subscribed pulses path, got %s", r.URL.Path)
		}
		if r.Header.Get("X-OTX-API-KEY") != "test-api-key" {
			t.Errorf("expected API key header, got %q", r.Header.Get("X-OTX-API-KEY"))
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)

		resp := OTXPulseListResponse{Results: []OTXPulse{{
			ID:   "pulse-" + page,
			Name: "Campaign " + page,
			Tags: []string{"ransomware"},
			Indicators: []OTXIndicator{
				{Indicator: "198.51.100." + page, Type: "IPv4"},
				{Indicator: "CVE-2024-0001", Type: "CVE"},
			},
		}}}
		if page == "1" {
			resp.Next = "page2"
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	t.Setenv("TEST_OTX_KEY", "test-api-key")
	feed := testFeed(intel.FeedTypeOTX, server.URL, map[string]string{"api_key_env": "TEST_OTX_KEY"})

	a := NewOTXAdapter(server.Client())
	p, err := a.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("Fetch should succeed: %v", err)
	}
	if len(p.Pages) != 2 || len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d (requested %v)", len(p.Pages), pages)
	}

	b, err := a.Normalize(feed, p)
	if err != nil {
		t.Fatalf("Normalize should succeed: %v", err)
	}
	if len(b.Candidates) != 2 {
		t.Fatalf("expected CVE indicators to be skipped, got %d candidates", len(b.Candidates))
	}
	for i, c := range b.Candidates {
		if c.Severity != intel.SeverityCritical {
			t.Errorf("candidate %d: expected critical severity, got %s", i, c.Severity)
		}
		if c.Description != "Campaign "+[]string{"1", "2"}[i] {
			t.Errorf("candidate %d: expected pulse name as description, got %q", i, c.Description)
		}
		if c.Row != i {
			t.Errorf("candidate %d: expected row %d, got %d", i, i, c.Row)
		}
	}
}

// TestOTXAdapter_Unauthorized verifies a 403 is an auth rejection.
func TestOTXAdapter_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail": "Authentication credentials were not provided."}`))
	}))
	defer server.Close()

	t.Setenv("TEST_OTX_KEY", "invalid-key")
	feed := testFeed(intel.FeedTypeOTX, server.URL, map[string]string{"api_key_env": "TEST_OTX_KEY"})

	_, err := NewOTXAdapter(server.Client()).Fetch(context.Background(), feed)
	if got := fetchReason(t, err); got != intel.FetchAuthRejected {
		t.Errorf("expected auth rejected, got %s", got)
	}
}

// TestOTXPulseSeverity verifies tag-based severity mapping.
func TestOTXPulseSeverity(t *testing.T) {
	tests := []struct {
		name  string
		pulse OTXPulse
		want  intel.Severity
	}{
		{"apt", OTXPulse{Tags: []string{"APT28"}}, intel.SeverityCritical},
		{"c2", OTXPulse{Tags: []string{"C2"}}, intel.SeverityHigh},
		{"phishing", OTXPulse{Tags: []string{"phishing"}}, intel.SeverityMedium},
		{"adversary only", OTXPulse{Adversary: "Lazarus"}, intel.SeverityHigh},
		{"nothing", OTXPulse{}, intel.SeverityLow},
	}
	for _, tt := range tests {
		if got := otxPulseSeverity(tt.pulse); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

// TestOTXClient_General verifies indicator lookup paths and not-found handling.
func TestOTXClient_General(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/indicators/IPv4/8.8.8.8/general":
			json.NewEncoder(w).Encode(OTXGeneralResponse{
				Indicator: "8.8.8.8",
				PulseInfo: OTXPulseInfo{Count: 5, Pulses: []OTXPulse{{Tags: []string{"malware"}}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewOTXClient(server.URL, "k", server.Client())

	g, err := c.General(context.Background(), intel.IOCTypeIP, "8.8.8.8")
	if err != nil {
		t.Fatalf("General should succeed: %v", err)
	}
	if g.Severity() != intel.SeverityHigh {
		t.Errorf("expected high severity, got %s", g.Severity())
	}
	if OTXConfidence(g.PulseInfo.Count) != 0.85 {
		t.Errorf("expected 0.85 confidence for 5 pulses, got %v", OTXConfidence(g.PulseInfo.Count))
	}

	if _, err := c.General(context.Background(), intel.IOCTypeDomain, "unknown.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.General(context.Background(), intel.IOCTypeEmail, "a@b.example"); err == nil {
		t.Error("email lookups should be unsupported")
	}
}

// =============================================================================
// MISP Adapter Tests
// =============================================================================

// TestMISPAdapter_FetchAndNormalize verifies the search request and attribute
// mapping.
func TestMISPAdapter_FetchAndNormalize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/attributes/restSearch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "misp-key" {
			t.Errorf("expected Authorization header, got %q", r.Header.Get("Authorization"))
		}
		var req MISPAttributeSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding search request: %v", err)
		}
		if req.ReturnFormat != "json" || !req.Published || req.Timestamp == 0 {
			t.Errorf("unexpected search request %+v", req)
		}

		io.WriteString(w, `{"response": {"Attribute": [
			{"type": "ip-dst|port", "value": "192.0.2.7|443", "comment": "beacon",
			 "Tag": [{"name": "tlp:amber"}], "Event": {"threat_level_id": "1", "info": "Event A"}},
			{"type": "sha256", "value": "`+strings.Repeat("ab", 32)+`", "Event": {"threat_level_id": "3", "info": "Event B"}},
			{"type": "mutex", "value": "Global\\x", "Event": {"threat_level_id": "2"}}
		]}}`)
	}))
	defer server.Close()

	t.Setenv("TEST_MISP_KEY", "misp-key")
	feed := testFeed(intel.FeedTypeMISP, server.URL, map[string]string{"api_key_env": "TEST_MISP_KEY"})

	a := NewMISPAdapter(server.Client())
	p, err := a.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("Fetch should succeed: %v", err)
	}
	b, err := a.Normalize(feed, p)
	if err != nil {
		t.Fatalf("Normalize should succeed: %v", err)
	}
	if len(b.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(b.Candidates))
	}

	ip := b.Candidates[0]
	if ip.Type != intel.IOCTypeIP || ip.Value != "192.0.2.7" {
		t.Errorf("composite attribute should keep the address, got %s %q", ip.Type, ip.Value)
	}
	if ip.Severity != intel.SeverityHigh || *ip.Confidence != 0.9 {
		t.Errorf("threat level 1 should be high/0.9, got %s/%v", ip.Severity, *ip.Confidence)
	}
	if ip.Description != "beacon" || len(ip.Tags) != 1 {
		t.Errorf("unexpected description or tags: %q %v", ip.Description, ip.Tags)
	}

	hash := b.Candidates[1]
	if hash.Type != intel.IOCTypeHash || hash.Description != "Event B" || hash.Severity != intel.SeverityLow {
		t.Errorf("unexpected hash candidate %+v", hash)
	}
}

// TestMISPAdapter_ServerError verifies a 5xx is unreachable.
func TestMISPAdapter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	t.Setenv("TEST_MISP_KEY", "misp-key")
	feed := testFeed(intel.FeedTypeMISP, server.URL, map[string]string{"api_key_env": "TEST_MISP_KEY"})

	_, err := NewMISPAdapter(server.Client()).Fetch(context.Background(), feed)
	if got := fetchReason(t, err); got != intel.FetchUnreachable {
		t.Errorf("expected unreachable, got %s", got)
	}
}
