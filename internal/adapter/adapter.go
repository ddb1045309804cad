// Package adapter provides the feed fetchers and normalizers that turn a
// provider's response into candidate indicators.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 64 << 20

// Payload is the raw material returned by Fetch. Paginated providers return
// one page per element.
type Payload struct {
	Pages     [][]byte
	FetchedAt time.Time
}

// Batch is the result of normalizing a payload.
type Batch struct {
	Candidates []intel.Candidate
	// Rejected holds records the normalizer could not read. They are reported
	// on the run and do not fail it.
	Rejected []intel.RecordError
}

// Adapter fetches and normalizes one feed type.
type Adapter interface {
	Type() intel.FeedType
	// RequiredFields lists the config keys the feed must set. "url" refers to
	// the feed URL rather than a config key.
	RequiredFields() []string
	Fetch(ctx context.Context, feed intel.Feed) (Payload, error)
	Normalize(feed intel.Feed, p Payload) (Batch, error)
}

// Registry maps feed types to adapters.
type Registry struct {
	adapters map[intel.FeedType]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[intel.FeedType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// DefaultRegistry returns the built-in adapters sharing client.
func DefaultRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return NewRegistry(
		NewOTXAdapter(client),
		NewMISPAdapter(client),
		NewListAdapter(intel.FeedTypePlain, client),
		NewListAdapter(intel.FeedTypeCSV, client),
		NewListAdapter(intel.FeedTypeJSON, client),
	)
}

// Get returns the adapter for t.
func (r *Registry) Get(t intel.FeedType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, intel.ConfigError("unknown feed type %q (supported: %s)", t, strings.Join(r.Types(), ", "))
	}
	return a, nil
}

// Types lists the registered feed types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Validate checks that feed names a registered type and sets every field its
// adapter requires.
func (r *Registry) Validate(feed intel.Feed) error {
	a, err := r.Get(feed.Type)
	if err != nil {
		return err
	}
	var missing []string
	for _, field := range a.RequiredFields() {
		if field == "url" {
			if feed.URL == nil || strings.TrimSpace(*feed.URL) == "" {
				missing = append(missing, field)
			}
			continue
		}
		if strings.TrimSpace(feed.Config[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return intel.ConfigError("feed type %s requires %s", feed.Type, strings.Join(missing, ", "))
	}
	return nil
}

// stamp applies the feed's defaults to a candidate.
func stamp(feed intel.Feed, c intel.Candidate) intel.Candidate {
	if c.Confidence == nil {
		conf := feed.Confidence
		c.Confidence = &conf
	}
	if c.Reliability == "" {
		c.Reliability = feed.Reliability
	}
	if c.SourceFeedID == nil && feed.ID != "" {
		id := feed.ID
		c.SourceFeedID = &id
	}
	return c
}

// do sends req and classifies the outcome into the fetch error taxonomy.
func do(client *http.Client, feed intel.Feed, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, intel.Unreachable(feed.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, intel.Unreachable(feed.Name, fmt.Errorf("reading body: %w", err))
	}

	if err := classifyStatus(feed.Name, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(feed string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("status %d: %s", code, snippet)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return intel.AuthRejected(feed, err)
	case code == http.StatusTooManyRequests || code >= 500:
		return intel.Unreachable(feed, err)
	default:
		return intel.MalformedResponse(feed, err)
	}
}

// malformed wraps a decode failure. Errors that are already fetch errors pass
// through unchanged.
func malformed(feed intel.Feed, err error) error {
	var fe *intel.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return intel.MalformedResponse(feed.Name, err)
}

// since returns the lower bound for incremental fetches.
func since(feed intel.Feed, lookback time.Duration) time.Time {
	if feed.LastUpdate != nil {
		return *feed.LastUpdate
	}
	return time.Now().Add(-lookback)
}
