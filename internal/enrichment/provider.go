// Package enrichment queries external reputation and context providers for a
// stored indicator and records what they return.
package enrichment

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// Provider answers lookups for one configured enrichment source.
type Provider interface {
	// Supports reports whether the provider can look up indicators of type t.
	// Unsupported indicators are skipped without counting an attempt.
	Supports(t intel.IOCType) bool
	Lookup(ctx context.Context, ioc intel.IOC) (map[string]any, error)
}

// Factory builds a Provider from a source definition. It returns a config
// error when the source is unusable.
type Factory func(src intel.EnrichmentSource, client *http.Client) (Provider, error)

// builtinFactories maps provider names to constructors.
func builtinFactories() map[string]Factory {
	return map[string]Factory{
		"otx":    NewOTXProvider,
		"http":   NewHTTPProvider,
		"static": NewStaticProvider,
		"attack": NewAttackProvider,
	}
}

func factoryNames(factories map[string]Factory) string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// typeSet parses a comma-separated list of indicator types. An empty list
// means every type.
func typeSet(list string) (map[intel.IOCType]bool, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	out := make(map[intel.IOCType]bool)
	for _, name := range strings.Split(list, ",") {
		t, ok := intel.ParseType(name)
		if !ok {
			return nil, intel.ConfigError("unknown ioc type %q in types", strings.TrimSpace(name))
		}
		out[t] = true
	}
	return out, nil
}

func supports(set map[intel.IOCType]bool, t intel.IOCType) bool {
	return set == nil || set[t]
}
