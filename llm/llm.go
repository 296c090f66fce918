// Package llm provides an abstraction layer for language model providers
// and a failover pool that spreads calls across credentials and models.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrNoProvider is returned when no LLM provider is configured or available.
var ErrNoProvider = errors.New("no LLM provider available")

// ErrNoJSON is returned when a model reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// Provider defines the interface for language model backends.
type Provider interface {
	// Name identifies the provider instance for logging and cooldown
	// tracking. Two instances sharing a backend but not a credential or
	// model must have different names.
	Name() string

	// Available checks if this provider is ready to use.
	Available() bool

	// Complete sends a prompt with an optional system message and returns
	// the response text.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ProviderInfo describes a provider's status.
type ProviderInfo struct {
	Name      string
	Available bool
}

// ExtractJSON pulls the JSON object out of a model reply, tolerating code
// fences and surrounding prose.
func ExtractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		if idx := strings.Index(response, "\n"); idx != -1 {
			response = response[idx+1:]
		}
		response = strings.TrimSuffix(strings.TrimSpace(response), "```")
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return "", ErrNoJSON
	}
	return response[start : end+1], nil
}

// keySuffix returns the last characters of a credential for display.
func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
