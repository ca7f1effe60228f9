// Package registry holds the static catalog of known biomedical
// endpoints and the per-domain request budgets derived from upstream
// documentation. The catalog is consulted for introspection and default
// policy wiring; the orchestrator works for unregistered endpoints too.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EndpointInfo describes one known upstream endpoint. Immutable after
// registration.
type EndpointInfo struct {
	// Key is the unique registry key, e.g. "pubmed.search".
	Key string

	// URLTemplate is the endpoint URL, with {placeholders} for path
	// parameters where applicable.
	URLTemplate string

	// Domain is the upstream service family the endpoint belongs to.
	Domain string

	// Category groups endpoints for documentation: "literature",
	// "trials", "variant", "gene", "drug", "disease", "cancer".
	Category string

	// RequestsPerSecond is the rate limit declared by the upstream's
	// documentation. Informational; the limiter enforces domain policy.
	RequestsPerSecond float64

	// DefaultTTL is the recommended cache lifetime for responses.
	DefaultTTL time.Duration
}

// Registry is a concurrency-safe endpoint catalog.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]EndpointInfo
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{endpoints: make(map[string]EndpointInfo)}
}

// Register adds info under key. Registering an existing key is a
// programming error and fails.
func (r *Registry) Register(key string, info EndpointInfo) error {
	if key == "" {
		return fmt.Errorf("registry: key is required")
	}
	if info.Domain == "" {
		return fmt.Errorf("registry: endpoint %q has no domain", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[key]; exists {
		return fmt.Errorf("registry: endpoint %q already registered", key)
	}
	info.Key = key
	r.endpoints[key] = info
	return nil
}

// Lookup returns the endpoint registered under key.
func (r *Registry) Lookup(key string) (EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.endpoints[key]
	return info, ok
}

// All returns every registered endpoint, sorted by key.
func (r *Registry) All() []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EndpointInfo, 0, len(r.endpoints))
	for _, info := range r.endpoints {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// ByDomain returns every registered endpoint for domain, sorted by key.
func (r *Registry) ByDomain(domain string) []EndpointInfo {
	var infos []EndpointInfo
	for _, info := range r.All() {
		if info.Domain == domain {
			infos = append(infos, info)
		}
	}
	return infos
}
