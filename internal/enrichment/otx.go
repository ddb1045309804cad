package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lvonguyen/feedforge/internal/adapter"
	"github.com/lvonguyen/feedforge/internal/intel"
)

const otxDefaultKeyEnv = "OTX_API_KEY"

// OTXProvider reports OTX pulse reputation for an indicator.
//
// Config keys: api_key_env (default OTX_API_KEY), base_url, cache_size
// (default 1000) and cache_ttl (default 1h) for the in-process lookup cache.
type OTXProvider struct {
	keyEnv  string
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, map[string]any]
}

// NewOTXProvider creates an OTX provider. The API key is read on each lookup
// so a source can be configured before the key is deployed.
func NewOTXProvider(src intel.EnrichmentSource, client *http.Client) (Provider, error) {
	size := 1000
	if v := src.Config["cache_size"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &size); err != nil || size <= 0 {
			return nil, intel.ConfigError("cache_size %q is not a positive integer", v)
		}
	}
	ttl := time.Hour
	if v := src.Config["cache_ttl"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, intel.ConfigError("cache_ttl %q: %v", v, err)
		}
		ttl = d
	}

	keyEnv := src.Config["api_key_env"]
	if keyEnv == "" {
		keyEnv = otxDefaultKeyEnv
	}
	return &OTXProvider{
		keyEnv:  keyEnv,
		baseURL: src.Config["base_url"],
		client:  client,
		cache:   expirable.NewLRU[string, map[string]any](size, nil, ttl),
	}, nil
}

func (p *OTXProvider) Supports(t intel.IOCType) bool { return adapter.OTXSupports(t) }

// Lookup returns pulse count, reputation and a derived confidence. An
// indicator OTX has never seen is a successful lookup with found=false.
func (p *OTXProvider) Lookup(ctx context.Context, ioc intel.IOC) (map[string]any, error) {
	key := fmt.Sprintf("%s:%s", ioc.Type, ioc.NormalizedValue)
	if payload, ok := p.cache.Get(key); ok {
		return payload, nil
	}

	apiKey := os.Getenv(p.keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", p.keyEnv)
	}

	client := adapter.NewOTXClient(p.baseURL, apiKey, p.client)
	general, err := client.General(ctx, ioc.Type, ioc.Value)
	if errors.Is(err, adapter.ErrNotFound) {
		payload := map[string]any{"found": false, "pulse_count": 0}
		p.cache.Add(key, payload)
		return payload, nil
	}
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"found":       general.PulseInfo.Count > 0,
		"pulse_count": general.PulseInfo.Count,
		"reputation":  general.Reputation,
		"severity":    string(general.Severity()),
	}
	if general.PulseInfo.Count > 0 {
		payload["confidence"] = adapter.OTXConfidence(general.PulseInfo.Count)
	}
	if general.CountryCode != "" {
		payload["country_code"] = general.CountryCode
	}
	if general.ASN != "" {
		payload["asn"] = general.ASN
	}
	if len(general.PulseInfo.References) > 0 {
		payload["references"] = general.PulseInfo.References
	}
	p.cache.Add(key, payload)
	return payload, nil
}
