package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atelier-ai-tgbot-go/internal/config"
)

// Router maps logical model identifiers to the provider that serves
// them. The table is built once from configuration and never mutated;
// an unknown identifier is a configuration error, not a transient one.
type Router struct {
	exact    map[string]Provider
	prefixes []prefixRoute
}

type prefixRoute struct {
	prefix   string
	provider Provider
}

// NewRouter builds the routing table. Providers are keyed by family
// name (openai, anthropic, google, proxy).
func NewRouter(routes []config.RouteConfig, providers map[string]Provider) (*Router, error) {
	router := &Router{
		exact: make(map[string]Provider),
	}

	for _, route := range routes {
		provider, ok := providers[route.Provider]
		if !ok {
			return nil, fmt.Errorf("route references unknown provider: %s", route.Provider)
		}
		switch {
		case route.Model != "":
			if _, dup := router.exact[route.Model]; dup {
				return nil, fmt.Errorf("duplicate route for model: %s", route.Model)
			}
			router.exact[route.Model] = provider
		case route.Prefix != "":
			router.prefixes = append(router.prefixes, prefixRoute{route.Prefix, provider})
		}
	}

	// Longest prefix wins
	sort.Slice(router.prefixes, func(i, j int) bool {
		return len(router.prefixes[i].prefix) > len(router.prefixes[j].prefix)
	})

	return router, nil
}

// Resolve returns the provider serving the given logical model
func (r *Router) Resolve(modelID string) (Provider, error) {
	if modelID == "" {
		return nil, fmt.Errorf("empty model identifier")
	}

	if provider, ok := r.exact[modelID]; ok {
		return provider, nil
	}

	for _, route := range r.prefixes {
		if strings.HasPrefix(modelID, route.prefix) {
			return route.provider, nil
		}
	}

	return nil, fmt.Errorf("no route for model: %s", modelID)
}

// KnownModels lists every exactly-routed model identifier
func (r *Router) KnownModels() []string {
	ids := make([]string, 0, len(r.exact))
	for id := range r.exact {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
