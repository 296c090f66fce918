// Package sites provides a registry of player resolvers: handlers that
// turn an embed or player page URL into playable stream URLs. Site-specific
// knowledge stays out of the scraper core.
package sites

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResolver is returned when no registered resolver matches a URL.
var ErrNoResolver = errors.New("no resolver for url")

// Stream is a playable media URL with the headers needed to fetch it.
type Stream struct {
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	Quality string            `json:"quality,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Resolver defines the interface for site-specific player resolvers.
type Resolver interface {
	// Name returns a human-readable name for this resolver.
	Name() string

	// Match returns true if this resolver should process the given URL.
	Match(url string) bool

	// Resolve fetches whatever it needs and returns the streams behind url.
	// An empty result with a nil error means the page held no streams.
	Resolve(ctx context.Context, url string) ([]Stream, error)
}

// Registry holds resolvers, checked in registration order.
type Registry struct {
	mu        sync.RWMutex
	resolvers []Resolver
}

// Register adds a resolver to the registry.
func (r *Registry) Register(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// Resolve hands url to the first matching resolver.
func (r *Registry) Resolve(ctx context.Context, url string) ([]Stream, string, error) {
	r.mu.RLock()
	var match Resolver
	for _, res := range r.resolvers {
		if res.Match(url) {
			match = res
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		return nil, "", ErrNoResolver
	}
	streams, err := match.Resolve(ctx, url)
	return streams, match.Name(), err
}

// HasResolver returns true if any registered resolver matches the URL.
func (r *Registry) HasResolver(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.resolvers {
		if res.Match(url) {
			return true
		}
	}
	return false
}

// Names returns the registered resolver names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.resolvers))
	for i, res := range r.resolvers {
		names[i] = res.Name()
	}
	return names
}
