package driver

import (
	"fmt"

	"github.com/yelp/casper/internal/cacheware"
	"github.com/yelp/casper/internal/config"
)

// RegistryResolver is the subset of *config.Registry the resolver needs.
type RegistryResolver interface {
	Global() config.GlobalConfig
	SmartStack(destination string) (config.SmartStackEntry, bool)
	Envoy() config.EnvoyConfig
}

// NewResolver builds a cacheware.Resolver that targets either the
// destination's SmartStack (host, port) or, when
// casper.route_through_envoy is set, the configured Envoy URL with an
// X-Yelp-Svc header naming the destination (spec.md §6's Outbound HTTP
// rule).
func NewResolver(registry RegistryResolver) cacheware.Resolver {
	return func(destination string) (string, map[string]string, error) {
		global := registry.Global()
		if global.Casper.RouteThroughEnvoy {
			envoy := registry.Envoy()
			if envoy.URL == "" {
				return "", nil, fmt.Errorf("driver: route_through_envoy set but no envoy url configured")
			}
			return envoy.URL, map[string]string{"X-Yelp-Svc": destination}, nil
		}
		entry, ok := registry.SmartStack(destination)
		if !ok {
			return "", nil, fmt.Errorf("driver: no smartstack entry for destination %q", destination)
		}
		return fmt.Sprintf("http://%s:%d", entry.Host, entry.Port), nil, nil
	}
}
