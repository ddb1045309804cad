package adapter

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/intel"
)

// ListAdapter downloads a flat list of indicators from a URL and parses it with
// the same readers the bulk importer uses.
//
// Config keys: ioc_type for plain lists (default ip), api_key_env and
// auth_header (default Authorization) for protected lists.
type ListAdapter struct {
	feedType intel.FeedType
	format   importer.Format
	client   *http.Client
}

// NewListAdapter creates an adapter for a plain, csv or json list feed.
func NewListAdapter(t intel.FeedType, client *http.Client) *ListAdapter {
	var format importer.Format
	switch t {
	case intel.FeedTypeCSV:
		format = importer.FormatCSV
	case intel.FeedTypeJSON:
		format = importer.FormatJSON
	default:
		t, format = intel.FeedTypePlain, importer.FormatPlain
	}
	return &ListAdapter{feedType: t, format: format, client: client}
}

func (a *ListAdapter) Type() intel.FeedType { return a.feedType }

func (a *ListAdapter) RequiredFields() []string { return []string{"url"} }

func (a *ListAdapter) Fetch(ctx context.Context, feed intel.Feed) (Payload, error) {
	if feed.URL == nil || *feed.URL == "" {
		return Payload{}, intel.ConfigError("feed %s has no url", feed.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *feed.URL, nil)
	if err != nil {
		return Payload{}, intel.Unreachable(feed.Name, err)
	}
	req.Header.Set("User-Agent", "FeedForge/1.0")
	if env := feed.Setting("api_key_env", ""); env != "" {
		key := os.Getenv(env)
		if key == "" {
			return Payload{}, intel.AuthRejected(feed.Name, fmt.Errorf("API key not found in env var: %s", env))
		}
		req.Header.Set(feed.Setting("auth_header", "Authorization"), key)
	}

	body, err := do(a.client, feed, req)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Pages: [][]byte{body}, FetchedAt: time.Now().UTC()}, nil
}

// Normalize parses every page. Records the parser rejects are returned in
// Rejected; a page that cannot be read at all is a malformed response.
func (a *ListAdapter) Normalize(feed intel.Feed, p Payload) (Batch, error) {
	opts := importer.Options{}
	if t, ok := intel.ParseType(feed.Setting("ioc_type", "")); ok {
		opts.DefaultType = t
	}

	var b Batch
	offset := 0
	for _, page := range p.Pages {
		rows, err := importer.Parse(a.format, page, opts)
		if err != nil {
			return Batch{}, malformed(feed, err)
		}
		for _, row := range rows {
			idx := offset + row.Index
			if row.Err != nil {
				b.Rejected = append(b.Rejected, intel.RecordError{Row: idx, Value: row.Candidate.Value, Reason: row.Err.Error()})
				continue
			}
			c := row.Candidate
			c.Row = idx
			// Plain lists carry no per-line confidence; the feed's applies.
			if a.format == importer.FormatPlain {
				c.Confidence = nil
			}
			b.Candidates = append(b.Candidates, stamp(feed, c))
		}
		offset += len(rows)
	}
	return b, nil
}
