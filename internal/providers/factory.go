package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/config"
)

// HotSwapOverride is the per-tenant provider override blob. Unknown keys in
// the stored JSON are preserved by the caller; only these are interpreted.
type HotSwapOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// ParseHotSwap decodes a tenant's hot-swap blob. Nil for empty input.
func ParseHotSwap(raw []byte) (*HotSwapOverride, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var o HotSwapOverride
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode hot-swap override: %w", err)
	}
	return &o, nil
}

// New builds one adapter from its config entry.
func New(pc config.ProviderConfig) (Provider, error) {
	timeout := time.Duration(pc.TimeoutSec) * time.Second
	switch pc.Kind {
	case "anthropic", "":
		opts := []AnthropicOption{
			WithAnthropicModel(pc.Model),
			WithAnthropicBaseURL(pc.BaseURL),
			WithAnthropicTimeout(timeout),
		}
		if pc.MaxRetries > 0 {
			opts = append(opts, WithAnthropicRetries(pc.MaxRetries))
		}
		return NewAnthropicProvider(pc.APIKey, opts...), nil
	case "openai":
		p := NewOpenAIProvider("openai", pc.APIKey, pc.BaseURL, pc.Model).WithTimeout(timeout)
		if pc.MaxRetries > 0 {
			p = p.WithRetries(pc.MaxRetries)
		}
		return p, nil
	case "local":
		return NewLocalProvider(pc.BaseURL, pc.Model).WithTimeout(timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// NewChain builds the fallback chain from the gateway config. When fallback
// is disabled the chain holds only the primary.
func NewChain(logger *slog.Logger, cfg config.ProvidersConfig) (*FallbackChain, error) {
	primary, err := New(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}

	var fallbacks []Provider
	if cfg.FallbackEnabled {
		for i, fc := range cfg.Fallbacks {
			p, err := New(fc)
			if err != nil {
				return nil, fmt.Errorf("fallback provider %d: %w", i, err)
			}
			fallbacks = append(fallbacks, p)
		}
	}
	return NewFallbackChain(logger, primary, fallbacks...), nil
}

// ApplyHotSwap returns a chain whose primary reflects a tenant override.
// The fallbacks of the base chain are retained.
func ApplyHotSwap(base *FallbackChain, logger *slog.Logger, override *HotSwapOverride, apiKey string) (*FallbackChain, error) {
	if override == nil || (override.Provider == "" && override.Model == "" && override.BaseURL == "") {
		return base, nil
	}

	chain := base.Providers()
	kind := override.Provider
	if kind == "" {
		kind = chain[0].Name()
	}
	primary, err := New(config.ProviderConfig{
		Kind:    kind,
		APIKey:  apiKey,
		BaseURL: override.BaseURL,
		Model:   override.Model,
	})
	if err != nil {
		return nil, err
	}
	return NewFallbackChain(logger, primary, chain[1:]...), nil
}
