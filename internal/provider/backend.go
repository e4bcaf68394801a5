// Package provider turns the prompt template into reminder text using one of
// a closed set of generation backends.
//
// The gateway owns retries; backends only classify failures as ProviderError.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Backend is one configured generation endpoint.
type Backend interface {
	Name() string
	Kind() string
	Model() string
	// Complete sends prompt and returns the raw completion text.
	Complete(ctx context.Context, prompt string) (string, error)
	// Probe checks the credential without generating text.
	Probe(ctx context.Context) error
}

type defaults struct {
	model   string
	baseURL string
}

var knownKinds = map[string]defaults{
	"openai": {model: "gpt-4", baseURL: "https://api.openai.com/v1"},
	"groq":   {model: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1"},
	"gemini": {model: "gemini-1.5-flash", baseURL: geminiBaseURL},
}

const (
	DefaultMaxTokens   = 500
	DefaultTemperature = float32(0.9)
)

// BackendConfig describes one backend after config mapping.
type BackendConfig struct {
	Name        string
	Kind        string
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	// HTTPClient is optional; it carries the per-call timeout.
	HTTPClient *http.Client
}

// NormalizeKind maps aliases onto a known backend kind. "openai-compatible" is openai with a custom base URL.
func NormalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case "", "openai-compatible", "openai_compatible", "compatible":
		return "openai"
	case "google":
		return "gemini"
	default:
		return k
	}
}

// KnownKind reports whether kind names a supported backend.
func KnownKind(kind string) bool {
	_, ok := knownKinds[NormalizeKind(kind)]
	return ok
}

// NewBackend fills defaults and constructs the backend for cfg.Kind.
func NewBackend(cfg BackendConfig) (Backend, error) {
	kind := NormalizeKind(cfg.Kind)
	def, ok := knownKinds[kind]
	if !ok {
		return nil, fmt.Errorf("provider: unsupported kind %q (want openai, groq or gemini)", cfg.Kind)
	}
	cfg.Kind = kind
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = kind
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = def.model
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = def.baseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	return newOpenAI(cfg), nil
}
