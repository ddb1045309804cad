package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxDefaultKeyEnv  = "OTX_API_KEY"
)

// ErrNotFound is returned by OTXClient.General when OTX has no record.
var ErrNotFound = errors.New("indicator not found")

// OTXClient is a minimal AlienVault OTX API client.
type OTXClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOTXClient creates a client. An empty baseURL uses the public OTX API.
func NewOTXClient(baseURL, apiKey string, client *http.Client) *OTXClient {
	if baseURL == "" {
		baseURL = otxDefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OTXClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

// newRequest creates an authenticated OTX API request.
func (c *OTXClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := c.baseURL + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "FeedForge/1.0")

	return req, nil
}

// SubscribedPulses fetches one page of pulses modified since the given time.
func (c *OTXClient) SubscribedPulses(ctx context.Context, feedName string, modifiedSince time.Time, limit, page int) ([]byte, error) {
	path := fmt.Sprintf("/pulses/subscribed?modified_since=%s&limit=%d&page=%d",
		url.QueryEscape(modifiedSince.UTC().Format(time.RFC3339)), limit, page)

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, intel.Unreachable(feedName, err)
	}
	return do(c.httpClient, intel.Feed{Name: feedName}, req)
}

// General looks up a single indicator. It returns ErrNotFound on a 404.
func (c *OTXClient) General(ctx context.Context, t intel.IOCType, value string) (*OTXGeneralResponse, error) {
	path, err := otxIndicatorPath(t, value)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}
	return &general, nil
}

// otxIndicatorPath constructs the API path for an indicator lookup.
func otxIndicatorPath(t intel.IOCType, value string) (string, error) {
	encoded := url.PathEscape(value)

	switch t {
	case intel.IOCTypeIP:
		section := "IPv4"
		if strings.Contains(value, ":") {
			section = "IPv6"
		}
		return fmt.Sprintf("/indicators/%s/%s/general", section, encoded), nil
	case intel.IOCTypeDomain:
		return fmt.Sprintf("/indicators/domain/%s/general", encoded), nil
	case intel.IOCTypeURL:
		return fmt.Sprintf("/indicators/url/%s/general", encoded), nil
	case intel.IOCTypeHash:
		return fmt.Sprintf("/indicators/file/%s/general", encoded), nil
	default:
		return "", fmt.Errorf("OTX has no lookup for %s indicators", t)
	}
}

// OTXSupports reports whether General can look up indicators of type t.
func OTXSupports(t intel.IOCType) bool {
	_, err := otxIndicatorPath(t, "x")
	return err == nil
}

// =============================================================================
// Feed adapter
// =============================================================================

// OTXAdapter pulls indicators from the pulses an OTX account subscribes to.
//
// Config keys: api_key_env (default OTX_API_KEY), pulse_limit (default 50),
// max_pages (default 5), lookback_days for the first fetch (default 30).
type OTXAdapter struct {
	client *http.Client
}

// NewOTXAdapter creates an OTX adapter.
func NewOTXAdapter(client *http.Client) *OTXAdapter {
	return &OTXAdapter{client: client}
}

func (a *OTXAdapter) Type() intel.FeedType { return intel.FeedTypeOTX }

func (a *OTXAdapter) RequiredFields() []string { return nil }

// Fetch pages through subscribed pulses until OTX reports no next page or
// max_pages is reached.
func (a *OTXAdapter) Fetch(ctx context.Context, feed intel.Feed) (Payload, error) {
	keyEnv := feed.Setting("api_key_env", otxDefaultKeyEnv)
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return Payload{}, intel.AuthRejected(feed.Name, fmt.Errorf("OTX API key not found in env var: %s", keyEnv))
	}

	base := ""
	if feed.URL != nil {
		base = *feed.URL
	}
	client := NewOTXClient(base, apiKey, a.client)

	limit := settingInt(feed, "pulse_limit", 50)
	maxPages := settingInt(feed, "max_pages", 5)
	lookback := time.Duration(settingInt(feed, "lookback_days", 30)) * 24 * time.Hour
	modifiedSince := since(feed, lookback)

	p := Payload{FetchedAt: time.Now().UTC()}
	for page := 1; page <= maxPages; page++ {
		body, err := client.SubscribedPulses(ctx, feed.Name, modifiedSince, limit, page)
		if err != nil {
			return Payload{}, err
		}
		p.Pages = append(p.Pages, body)

		var head struct {
			Next string `json:"next"`
		}
		if err := json.Unmarshal(body, &head); err != nil {
			return Payload{}, intel.MalformedResponse(feed.Name, fmt.Errorf("decoding OTX response: %w", err))
		}
		if head.Next == "" {
			break
		}
	}
	return p, nil
}

// Normalize flattens pulse indicators into candidates. Indicator types with no
// core equivalent are skipped.
func (a *OTXAdapter) Normalize(feed intel.Feed, p Payload) (Batch, error) {
	var b Batch
	row := 0
	for _, page := range p.Pages {
		var resp OTXPulseListResponse
		if err := json.Unmarshal(page, &resp); err != nil {
			return Batch{}, malformed(feed, fmt.Errorf("decoding OTX response: %w", err))
		}
		for _, pulse := range resp.Results {
			severity := otxPulseSeverity(pulse)
			for _, ind := range pulse.Indicators {
				t := otxTypeToIOCType(ind.Type)
				if t == "" {
					continue
				}
				desc := ind.Description
				if desc == "" {
					desc = pulse.Name
				}
				c := intel.Candidate{
					Type:        t,
					Value:       ind.Indicator,
					Severity:    severity,
					Description: desc,
					Tags:        pulse.Tags,
					Row:         row,
				}
				if exp, err := time.Parse("2006-01-02T15:04:05", ind.Expiration); err == nil {
					c.ExpiresAt = &exp
				}
				b.Candidates = append(b.Candidates, stamp(feed, c))
				row++
			}
		}
	}
	return b, nil
}

func settingInt(feed intel.Feed, key string, def int) int {
	v, err := strconv.Atoi(feed.Setting(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// otxTypeToIOCType converts an OTX indicator type to the core type.
func otxTypeToIOCType(otxType string) intel.IOCType {
	switch otxType {
	case "IPv4", "IPv6":
		return intel.IOCTypeIP
	case "domain", "hostname":
		return intel.IOCTypeDomain
	case "URL", "URI":
		return intel.IOCTypeURL
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return intel.IOCTypeHash
	case "email":
		return intel.IOCTypeEmail
	default:
		return ""
	}
}

// otxPulseSeverity maps pulse tags and adversary attribution to severity.
func otxPulseSeverity(pulse OTXPulse) intel.Severity {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return intel.SeverityCritical
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return intel.SeverityHigh
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return intel.SeverityMedium
	}

	if pulse.Adversary != "" {
		return intel.SeverityHigh
	}

	return intel.SeverityLow
}

// OTXConfidence derives confidence from how many pulses mention an indicator.
func OTXConfidence(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.95
	case pulseCount >= 5:
		return 0.85
	case pulseCount >= 3:
		return 0.75
	case pulseCount >= 1:
		return 0.65
	default:
		return 0.5
	}
}

// OTX API Response Types

// OTXPulseListResponse is the response from /pulses/subscribed.
type OTXPulseListResponse struct {
	Results []OTXPulse `json:"results"`
	Count   int        `json:"count"`
	Next    string     `json:"next,omitempty"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Created     string         `json:"created"`
	Modified    string         `json:"modified"`
	Tags        []string       `json:"tags"`
	Adversary   string         `json:"adversary,omitempty"`
	Indicators  []OTXIndicator `json:"indicators,omitempty"`
}

// OTXIndicator represents an indicator within a pulse.
type OTXIndicator struct {
	ID          json.Number `json:"id"`
	Indicator   string      `json:"indicator"`
	Type        string      `json:"type"`
	Created     string      `json:"created"`
	Description string      `json:"description,omitempty"`
	Title       string      `json:"title,omitempty"`
	IsActive    int         `json:"is_active"`
	Expiration  string      `json:"expiration,omitempty"`
}

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
	CountryName string       `json:"country_name,omitempty"`
	City        string       `json:"city,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count      int        `json:"count"`
	Pulses     []OTXPulse `json:"pulses"`
	References []string   `json:"references,omitempty"`
}

// Severity maps the most relevant pulse to a severity.
func (g *OTXGeneralResponse) Severity() intel.Severity {
	if len(g.PulseInfo.Pulses) == 0 {
		return intel.SeverityLow
	}
	return otxPulseSeverity(g.PulseInfo.Pulses[0])
}
