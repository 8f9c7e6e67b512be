package config

import "sync"

// Config is the root configuration for the loopgate gateway.
// Loaded from a JSON5 file and overlaid with LOOPGATE_* env vars.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Defaults  TenantDefaults  `json:"defaults"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Webhooks  WebhooksConfig  `json:"webhooks"`
	Skills    SkillsConfig    `json:"skills"`
	SMTP      SMTPConfig      `json:"smtp"`
	Security  SecurityConfig  `json:"security"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// GatewayConfig configures the HTTP surface and data directory.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	DataDir         string `json:"dataDir"`
	MaxMessageChars int    `json:"maxMessageChars"`
}

// ProviderConfig holds credentials for one LLM endpoint.
type ProviderConfig struct {
	Kind    string `json:"kind"` // "anthropic", "openai", "local"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
	// TimeoutSec is the per-request timeout (default 120).
	TimeoutSec int `json:"timeoutSec"`
	// MaxRetries for this endpoint inside the fallback chain (default 1).
	MaxRetries int `json:"maxRetries"`
}

// ProvidersConfig is the primary endpoint plus the ordered fallback chain.
type ProvidersConfig struct {
	Primary         ProviderConfig   `json:"primary"`
	Fallbacks       []ProviderConfig `json:"fallbacks"`
	FallbackEnabled bool             `json:"fallbackEnabled"`
	HotSwapEnabled  bool             `json:"hotSwapEnabled"`
}

// TenantDefaults is the configuration synthesized for channels without an
// explicit tenant binding, and the base values for new tenants.
type TenantDefaults struct {
	SystemPrompt           string   `json:"systemPrompt"`
	Model                  string   `json:"model"`
	MaxTokens              int      `json:"maxTokens"`
	MaxIterations          int      `json:"maxIterations"`
	SkillAllowList         []string `json:"skillAllowList"`
	RolesEnabled           bool     `json:"rolesEnabled"`
	MaxConcurrentSubAgents int      `json:"maxConcurrentSubAgents"`
	BudgetDailyTokens      int64    `json:"budgetDailyTokens"`
	BudgetMonthlyTokens    int64    `json:"budgetMonthlyTokens"`
	BudgetAlertPct         int      `json:"budgetAlertPct"`
}

// SchedulerConfig controls job firing.
type SchedulerConfig struct {
	Timezone     string `json:"timezone"`     // IANA name, default "UTC"
	TickSeconds  int    `json:"tickSeconds"`  // poll interval for due jobs (default 15)
	ChannelLimit int    `json:"channelLimit"` // output split threshold (default 4000)
}

// WebhooksConfig controls outbound dispatch.
type WebhooksConfig struct {
	DispatchTimeoutSec int     `json:"dispatchTimeoutSec"` // default 15
	OutputTimeoutSec   int     `json:"outputTimeoutSec"`   // scheduler webhook output, default 30
	RatePerSecond      float64 `json:"ratePerSecond"`      // dispatcher limiter, 0 = unlimited
}

// SkillsConfig locates dynamically loadable tool handlers.
type SkillsConfig struct {
	Dir string `json:"dir"` // default "<dataDir>/skills"
}

// SMTPConfig is the email output collaborator.
type SMTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
	From string `json:"from"`
}

// SecurityConfig holds the encryption seed and input-guard policy.
type SecurityConfig struct {
	// EncryptionKey is the operator key for the secret store. When empty a
	// deterministic dev seed is used (weak; logged at startup).
	EncryptionKey string `json:"encryptionKey"`
	// InjectionAction: "log", "warn" (default), "block", "off".
	InjectionAction string `json:"injectionAction"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "http" or "grpc"
	ServiceName string `json:"serviceName"`
	Insecure    bool   `json:"insecure"`
}
