package embeddings

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrProviderUnavailable is returned when no provider is configured.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Provider defines a simple embeddings provider interface.
// Implementations should be concurrency-safe.
type Provider interface {
	// Name returns the provider name (e.g., "openai", "ollama").
	Name() string
	// Dimensions returns the embedding dimensionality this provider produces.
	Dimensions() int
	// Embed returns one embedding per input string.
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Host        string
	Dims        int
	AdaptMode   string
	HTTPTimeout time.Duration
}

// New constructs the provider named by cfg.Provider. An empty or unknown
// name, or missing credentials, yields nil: callers degrade to lexical-only
// matching.
func New(cfg Config) Provider {
	var p Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "localai", "llamacpp", "llama.cpp":
		p = newOpenAI(cfg)
	case "ollama":
		p = newOllama(cfg)
	default:
		return nil
	}
	if p == nil {
		return nil
	}
	if cfg.Dims > 0 {
		return WrapToDims(p, cfg.Dims, cfg.AdaptMode)
	}
	return p
}
