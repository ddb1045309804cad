package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// MISPAdapter pulls attributes from a MISP instance's restSearch endpoint.
//
// Config keys: api_key_env (required), published_only (default true),
// to_ids_only (default true), limit (default 5000), lookback_days for the first
// fetch (default 30).
type MISPAdapter struct {
	client *http.Client
}

// NewMISPAdapter creates a MISP adapter.
func NewMISPAdapter(client *http.Client) *MISPAdapter {
	return &MISPAdapter{client: client}
}

func (a *MISPAdapter) Type() intel.FeedType { return intel.FeedTypeMISP }

func (a *MISPAdapter) RequiredFields() []string { return []string{"url", "api_key_env"} }

// Fetch runs a single attribute search for everything modified since the
// feed's last successful update.
func (a *MISPAdapter) Fetch(ctx context.Context, feed intel.Feed) (Payload, error) {
	keyEnv := feed.Setting("api_key_env", "")
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return Payload{}, intel.AuthRejected(feed.Name, fmt.Errorf("MISP API key not found in env var: %s", keyEnv))
	}
	if feed.URL == nil || *feed.URL == "" {
		return Payload{}, intel.ConfigError("MISP base URL is required")
	}

	lookback := time.Duration(settingInt(feed, "lookback_days", 30)) * 24 * time.Hour
	searchReq := MISPAttributeSearchRequest{
		ReturnFormat: "json",
		Type:         mispSearchTypes,
		Timestamp:    since(feed, lookback).Unix(),
		Published:    feed.Setting("published_only", "true") == "true",
		ToIDS:        feed.Setting("to_ids_only", "true") == "true",
		Limit:        settingInt(feed, "limit", 5000),
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return Payload{}, err
	}

	url := strings.TrimSuffix(*feed.URL, "/") + "/attributes/restSearch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Payload{}, intel.Unreachable(feed.Name, err)
	}
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	page, err := do(a.client, feed, req)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Pages: [][]byte{page}, FetchedAt: time.Now().UTC()}, nil
}

// Normalize converts attributes into candidates. Attribute types outside the
// core set are skipped.
func (a *MISPAdapter) Normalize(feed intel.Feed, p Payload) (Batch, error) {
	var b Batch
	row := 0
	for _, page := range p.Pages {
		var resp MISPAttributeSearchResponse
		if err := json.Unmarshal(page, &resp); err != nil {
			return Batch{}, malformed(feed, fmt.Errorf("failed to decode MISP response: %w", err))
		}
		for _, attr := range resp.Response.Attribute {
			t, value := mispTypeToIOCType(attr.Type, attr.Value)
			if t == "" {
				continue
			}
			conf := threatLevelToConfidence(attr.Event.ThreatLevelID)
			tags := make([]string, 0, len(attr.Tag))
			for _, tag := range attr.Tag {
				tags = append(tags, tag.Name)
			}
			desc := attr.Comment
			if desc == "" {
				desc = attr.Event.Info
			}
			b.Candidates = append(b.Candidates, stamp(feed, intel.Candidate{
				Type:        t,
				Value:       value,
				Severity:    threatLevelToSeverity(attr.Event.ThreatLevelID),
				Confidence:  &conf,
				Description: desc,
				Tags:        tags,
				Row:         row,
			}))
			row++
		}
	}
	return b, nil
}

// MISP API types

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	ReturnFormat string   `json:"returnFormat"`
	Value        string   `json:"value,omitempty"`
	Type         []string `json:"type,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	Published    bool     `json:"published,omitempty"`
	ToIDS        bool     `json:"to_ids,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	ToIDS     bool      `json:"to_ids"`
	Timestamp string    `json:"timestamp"`
	Tag       []MISPTag `json:"Tag,omitempty"`
	Event     MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"colour"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string `json:"id"`
	UUID          string `json:"uuid"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
	Published     bool   `json:"published"`
}

var mispSearchTypes = []string{
	"ip-src", "ip-dst", "ip-src|port", "ip-dst|port",
	"domain", "hostname", "domain|ip", "url", "uri",
	"md5", "sha1", "sha256", "sha512",
	"email", "email-src", "email-dst",
}

// mispTypeToIOCType maps a MISP attribute type to the core type. Composite
// attributes such as ip-dst|port keep only their first component.
func mispTypeToIOCType(mispType, value string) (intel.IOCType, string) {
	first := func() string {
		if i := strings.IndexByte(value, '|'); i >= 0 {
			return value[:i]
		}
		return value
	}
	switch mispType {
	case "ip-src", "ip-dst":
		return intel.IOCTypeIP, value
	case "ip-src|port", "ip-dst|port":
		return intel.IOCTypeIP, first()
	case "domain", "hostname":
		return intel.IOCTypeDomain, value
	case "domain|ip":
		return intel.IOCTypeDomain, first()
	case "url", "uri":
		return intel.IOCTypeURL, value
	case "md5", "sha1", "sha256", "sha512":
		return intel.IOCTypeHash, value
	case "email", "email-src", "email-dst":
		return intel.IOCTypeEmail, value
	default:
		return "", ""
	}
}

func threatLevelToConfidence(level string) float64 {
	switch level {
	case "1":
		return 0.9 // High
	case "2":
		return 0.7 // Medium
	case "3":
		return 0.5 // Low
	default:
		return 0.3 // Undefined
	}
}

func threatLevelToSeverity(level string) intel.Severity {
	switch level {
	case "1":
		return intel.SeverityHigh
	case "2":
		return intel.SeverityMedium
	default:
		return intel.SeverityLow
	}
}
