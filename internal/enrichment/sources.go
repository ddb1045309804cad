package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/mitre"
)

// =============================================================================
// HTTP provider
// =============================================================================

// HTTPProvider calls a JSON endpoint built from a URL template. {value} and
// {type} are substituted, path-escaped. It covers geoip and whois style
// services that answer GET with a JSON object.
//
// Config keys: url_template (required), types, api_key_env, auth_header
// (default Authorization).
type HTTPProvider struct {
	template   string
	types      map[intel.IOCType]bool
	keyEnv     string
	authHeader string
	client     *http.Client
}

// NewHTTPProvider creates an HTTP provider.
func NewHTTPProvider(src intel.EnrichmentSource, client *http.Client) (Provider, error) {
	tmpl := src.Config["url_template"]
	if tmpl == "" {
		return nil, intel.ConfigError("http source %s requires url_template", src.Name)
	}
	if _, err := url.Parse(strings.NewReplacer("{value}", "x", "{type}", "x").Replace(tmpl)); err != nil {
		return nil, intel.ConfigError("url_template: %v", err)
	}
	types, err := typeSet(src.Config["types"])
	if err != nil {
		return nil, err
	}
	header := src.Config["auth_header"]
	if header == "" {
		header = "Authorization"
	}
	return &HTTPProvider{
		template:   tmpl,
		types:      types,
		keyEnv:     src.Config["api_key_env"],
		authHeader: header,
		client:     client,
	}, nil
}

func (p *HTTPProvider) Supports(t intel.IOCType) bool { return supports(p.types, t) }

func (p *HTTPProvider) Lookup(ctx context.Context, ioc intel.IOC) (map[string]any, error) {
	target := strings.NewReplacer(
		"{value}", url.PathEscape(ioc.Value),
		"{type}", url.PathEscape(string(ioc.Type)),
	).Replace(p.template)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "FeedForge/1.0")
	if p.keyEnv != "" {
		key := os.Getenv(p.keyEnv)
		if key == "" {
			return nil, fmt.Errorf("API key not found in env var: %s", p.keyEnv)
		}
		req.Header.Set(p.authHeader, key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return map[string]any{"found": false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return payload, nil
}

// =============================================================================
// Static provider
// =============================================================================

// StaticProvider returns a fixed payload, optionally after a delay. It is
// meant for demos and for exercising the orchestrator.
//
// Config keys: payload (JSON object, default {}), types, delay.
type StaticProvider struct {
	payload map[string]any
	types   map[intel.IOCType]bool
	delay   time.Duration
}

// NewStaticProvider creates a static provider.
func NewStaticProvider(src intel.EnrichmentSource, _ *http.Client) (Provider, error) {
	payload := map[string]any{}
	if raw := src.Config["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, intel.ConfigError("payload must be a JSON object: %v", err)
		}
	}
	types, err := typeSet(src.Config["types"])
	if err != nil {
		return nil, err
	}
	var delay time.Duration
	if raw := src.Config["delay"]; raw != "" {
		delay, err = time.ParseDuration(raw)
		if err != nil {
			return nil, intel.ConfigError("delay %q: %v", raw, err)
		}
	}
	return &StaticProvider{payload: payload, types: types, delay: delay}, nil
}

func (p *StaticProvider) Supports(t intel.IOCType) bool { return supports(p.types, t) }

func (p *StaticProvider) Lookup(ctx context.Context, ioc intel.IOC) (map[string]any, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	out := make(map[string]any, len(p.payload)+1)
	for k, v := range p.payload {
		out[k] = v
	}
	out["indicator"] = ioc.Value
	return out, nil
}

// =============================================================================
// ATT&CK provider
// =============================================================================

// AttackProvider maps an indicator onto MITRE ATT&CK techniques locally.
//
// Config keys: types, min_confidence (default 0).
type AttackProvider struct {
	framework     *mitre.AttackFramework
	types         map[intel.IOCType]bool
	minConfidence float64
}

// NewAttackProvider creates an ATT&CK mapping provider.
func NewAttackProvider(src intel.EnrichmentSource, _ *http.Client) (Provider, error) {
	types, err := typeSet(src.Config["types"])
	if err != nil {
		return nil, err
	}
	var minConf float64
	if raw := src.Config["min_confidence"]; raw != "" {
		minConf, err = strconv.ParseFloat(raw, 64)
		if err != nil || minConf < 0 || minConf > 1 {
			return nil, intel.ConfigError("min_confidence %q must be between 0 and 1", raw)
		}
	}
	return &AttackProvider{framework: mitre.NewAttackFramework(), types: types, minConfidence: minConf}, nil
}

func (p *AttackProvider) Supports(t intel.IOCType) bool { return supports(p.types, t) }

func (p *AttackProvider) Lookup(_ context.Context, ioc intel.IOC) (map[string]any, error) {
	techniques := make([]any, 0)
	var tactics []string
	for _, m := range p.framework.MapIOC(ioc) {
		if m.Confidence < p.minConfidence {
			continue
		}
		techniques = append(techniques, map[string]any{
			"technique_id":   m.TechniqueID,
			"technique_name": m.TechniqueName,
			"tactic_id":      m.TacticID,
			"tactic_name":    m.TacticName,
			"confidence":     m.Confidence,
			"evidence":       m.Evidence,
		})
		if !slices.Contains(tactics, m.TacticName) {
			tactics = append(tactics, m.TacticName)
		}
	}
	slices.Sort(tactics)
	return map[string]any{
		"found":      len(techniques) > 0,
		"techniques": techniques,
		"tactics":    tactics,
	}, nil
}
