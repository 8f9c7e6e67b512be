package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			DataDir:         "~/.loopgate",
			MaxMessageChars: 32000,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Kind:       "anthropic",
				Model:      "claude-sonnet-4-5-20250929",
				TimeoutSec: 120,
				MaxRetries: 1,
			},
			FallbackEnabled: true,
		},
		Defaults: TenantDefaults{
			SystemPrompt:           "You are a helpful assistant.",
			MaxTokens:              8192,
			MaxIterations:          25,
			RolesEnabled:           true,
			MaxConcurrentSubAgents: 4,
			BudgetAlertPct:         80,
		},
		Scheduler: SchedulerConfig{
			Timezone:     "UTC",
			TickSeconds:  15,
			ChannelLimit: 4000,
		},
		Webhooks: WebhooksConfig{
			DispatchTimeoutSec: 15,
			OutputTimeoutSec:   30,
		},
		Security: SecurityConfig{
			InjectionAction: "warn",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("LOOPGATE_ENCRYPTION_KEY", &c.Security.EncryptionKey)

	// Primary provider credentials
	envStr("LOOPGATE_PROVIDER", &c.Providers.Primary.Kind)
	envStr("LOOPGATE_API_KEY", &c.Providers.Primary.APIKey)
	envStr("LOOPGATE_BASE_URL", &c.Providers.Primary.BaseURL)
	envStr("LOOPGATE_MODEL", &c.Providers.Primary.Model)

	// Fallback endpoints: LOOPGATE_FALLBACK_<N>_* (N = 1..)
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("LOOPGATE_FALLBACK_%d_", i)
		kind := os.Getenv(prefix + "PROVIDER")
		key := os.Getenv(prefix + "API_KEY")
		base := os.Getenv(prefix + "BASE_URL")
		if kind == "" && key == "" && base == "" {
			break
		}
		fb := ProviderConfig{
			Kind:       kind,
			APIKey:     key,
			BaseURL:    base,
			Model:      os.Getenv(prefix + "MODEL"),
			TimeoutSec: 120,
			MaxRetries: 1,
		}
		if fb.Kind == "" {
			fb.Kind = "openai"
		}
		if i-1 < len(c.Providers.Fallbacks) {
			c.Providers.Fallbacks[i-1] = fb
		} else {
			c.Providers.Fallbacks = append(c.Providers.Fallbacks, fb)
		}
	}
	if v := os.Getenv("LOOPGATE_FALLBACK_ENABLED"); v != "" {
		c.Providers.FallbackEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOPGATE_HOTSWAP_ENABLED"); v != "" {
		c.Providers.HotSwapEnabled = v == "true" || v == "1"
	}

	// SMTP
	envStr("LOOPGATE_SMTP_HOST", &c.SMTP.Host)
	envStr("LOOPGATE_SMTP_USER", &c.SMTP.User)
	envStr("LOOPGATE_SMTP_PASS", &c.SMTP.Pass)
	envStr("LOOPGATE_SMTP_FROM", &c.SMTP.From)
	if v := os.Getenv("LOOPGATE_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.SMTP.Port = port
		}
	}

	// Gateway host/port, data dir
	envStr("LOOPGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("LOOPGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("LOOPGATE_DATA_DIR", &c.Gateway.DataDir)
	envStr("LOOPGATE_SKILLS_DIR", &c.Skills.Dir)

	// Defaults
	envStr("LOOPGATE_SYSTEM_PROMPT", &c.Defaults.SystemPrompt)
	envStr("LOOPGATE_TIMEZONE", &c.Scheduler.Timezone)

	// Telemetry
	envStr("LOOPGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LOOPGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("LOOPGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("LOOPGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOPGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// DataDir returns the expanded data directory path.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Gateway.DataDir)
}

// SkillsDir returns the expanded skills directory, defaulting under DataDir.
func (c *Config) SkillsDir() string {
	c.mu.RLock()
	dir := c.Skills.Dir
	c.mu.RUnlock()
	if dir == "" {
		return filepath.Join(c.DataDir(), "skills")
	}
	return ExpandHome(dir)
}

// DatabasePath returns the sqlite file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir(), "loopgate.db")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.Host + ":" + strconv.Itoa(c.Gateway.Port)
}

const secretMask = "***"

// MaskedSummary returns loggable provider info without secrets.
func (c *Config) MaskedSummary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := []string{c.Providers.Primary.Kind}
	for _, fb := range c.Providers.Fallbacks {
		parts = append(parts, fb.Kind)
	}
	return strings.Join(parts, " -> ")
}
