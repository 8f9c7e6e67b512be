package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a fresh UUID for rows keyed by uuid.
func GenNewID() uuid.UUID { return uuid.New() }

// Tenant is an isolated configuration bundle ("agent group"): prompt,
// credentials, budgets and allow-listed tools for a population of agents.
type Tenant struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	SystemPrompt           string    `json:"systemPrompt"`
	EncryptedAPIKey        []byte    `json:"-"` // AEAD ciphertext (nonce‖tag‖payload), nil = use global key
	Model                  string    `json:"model"`
	MaxTokens              int       `json:"maxTokens"`
	SkillAllowList         []string  `json:"skillAllowList"` // nil = all
	RolesEnabled           bool      `json:"rolesEnabled"`
	Persona                *Persona  `json:"persona,omitempty"`
	ContainerIsolation     bool      `json:"containerIsolation"`
	MaxConcurrentSubAgents int       `json:"maxConcurrentSubAgents"`
	BudgetDailyTokens      int64     `json:"budgetDailyTokens"`   // 0 = unlimited
	BudgetMonthlyTokens    int64     `json:"budgetMonthlyTokens"` // 0 = unlimited
	BudgetAlertPct         int       `json:"budgetAlertPct"`
	HotSwapCfg             []byte    `json:"-"` // opaque JSON threaded to the provider layer
	FallbackChainCfg       []byte    `json:"-"` // opaque JSON fallback overrides
	RepoBinding            string    `json:"repoBinding,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Persona shapes the voice of a tenant's agents.
type Persona struct {
	Language    string `json:"language"` // "auto", "en", "de", ...
	Style       string `json:"style,omitempty"`
	EmojiPolicy string `json:"emojiPolicy,omitempty"` // "none", "minimal", "moderate", "heavy"
}

// Conversation is an ordered message history scoped to (channelID, externalID).
type Conversation struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	ExternalID string    `json:"externalId"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Message is one append-only entry in a conversation.
// Mutation is forbidden once persisted; order is the natural key.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCalls      []byte    `json:"-"` // JSON-encoded tool calls, assistant rows only
	ToolUseID      string    `json:"toolUseId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// A2AMessage statuses.
const (
	A2AStatusPending   = "pending"
	A2AStatusDelivered = "delivered"
	A2AStatusProcessed = "processed"
	A2AStatusFailed    = "failed"
	A2AStatusExpired   = "expired"
)

// A2AMessage kinds.
const (
	A2AKindRequest  = "request"
	A2AKindResponse = "response"
	A2AKindEvent    = "event"
)

// A2AMessage is a persisted agent-to-agent message (audit trail for the bus).
// Back-references are by id: ReplyTo names the request this row answers.
type A2AMessage struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	FromAgentID    string            `json:"fromAgentId"`
	FromRole       string            `json:"fromRole"`
	TenantID       string            `json:"tenantId"`
	To             string            `json:"to"` // agent id or "*"
	ConversationID string            `json:"conversationId,omitempty"`
	Action         string            `json:"action"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	TTLMs          int64             `json:"ttlMs,omitempty"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	ProcessedAt    *time.Time        `json:"processedAt,omitempty"`
}

// ApprovalRule controls whether a tool call needs a human in the loop.
// TenantID "" makes the rule global.
type ApprovalRule struct {
	ID              int64  `json:"id"`
	TenantID        string `json:"tenantId,omitempty"`
	ToolName        string `json:"toolName"`
	AutoApprove     bool   `json:"autoApprove"`
	RequireApproval bool   `json:"requireApproval"`
	TimeoutSec      int    `json:"timeoutSec"`
	OnTimeout       string `json:"onTimeout"` // "approve" or "reject"
	Enabled         bool   `json:"enabled"`
}

// PendingApproval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalTimedOut = "timeout"
)

// PendingApproval is one blocked tool execution awaiting an operator.
type PendingApproval struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	AgentID   string    `json:"agentId"`
	Tool      string    `json:"tool"`
	Input     []byte    `json:"-"` // JSON tool input
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Trigger kinds.
const (
	TriggerDaily         = "daily"
	TriggerWeekly        = "weekly"
	TriggerMonthly       = "monthly"
	TriggerInterval      = "interval"
	TriggerOnce          = "once"
	TriggerCron          = "cron"
	TriggerCalendarEvent = "calendarEvent"
)

// TriggerSpec is the firing condition of a scheduled job, stored as JSON.
type TriggerSpec struct {
	Kind string `json:"kind"`

	// daily/weekly/monthly
	Time       string `json:"time,omitempty"` // "HH:MM"
	Days       []int  `json:"days,omitempty"` // weekdays 0=Sunday..6
	DayOfMonth int    `json:"dayOfMonth,omitempty"`
	Timezone   string `json:"tz,omitempty"`

	// interval
	Minutes int `json:"minutes,omitempty"`

	// once
	RunAt time.Time `json:"runAt,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`

	// calendarEvent
	CalendarID    string `json:"calendarId,omitempty"`
	MinutesBefore int    `json:"minutesBefore,omitempty"`
	MinutesAfter  int    `json:"minutesAfter,omitempty"`
	TitleFilter   string `json:"titleFilter,omitempty"`
}

// Output kinds.
const (
	OutputChannel = "channel"
	OutputWebhook = "webhook"
	OutputFile    = "file"
	OutputEmail   = "email"
)

// OutputSpec routes a job result, stored as JSON.
type OutputSpec struct {
	Kind       string `json:"kind"`
	ChannelID  string `json:"channelId,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	EmailTo    string `json:"emailTo,omitempty"`
}

// ScheduledJob is a durable job record.
type ScheduledJob struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	TenantID   string      `json:"tenantId,omitempty"`
	Trigger    TriggerSpec `json:"trigger"`
	Action     string      `json:"action"` // prompt template
	Output     OutputSpec  `json:"output"`
	Enabled    bool        `json:"enabled"`
	LoopMode   bool        `json:"loopMode,omitempty"`
	// MaxIterations > 0 caps the agent loop for this job's runs; 0 uses
	// the tenant's configured limit.
	MaxIterations int        `json:"maxIterations,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastStatus    string     `json:"lastStatus,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"` // nil = awaiting external trigger
	RunCount      int64      `json:"runCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// JobRun statuses. Terminal states (success, error) are immutable.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// JobRun is one execution of a scheduled job.
type JobRun struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	Status       string     `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	InputTokens  int64      `json:"inputTokens"`
	OutputTokens int64      `json:"outputTokens"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// CalendarSource is a polled iCal feed.
type CalendarSource struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	PollIntervalMinutes int        `json:"pollIntervalMinutes"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt,omitempty"`
}

// CalendarEvent is one VEVENT row, unique on (CalendarID, UID).
type CalendarEvent struct {
	CalendarID string    `json:"calendarId"`
	UID        string    `json:"uid"`
	Title      string    `json:"title"`
	StartAt    time.Time `json:"startAt"`
	EndAt      time.Time `json:"endAt"`
	Recurrence string    `json:"recurrence,omitempty"`
}

// WebhookRegistration is one inbound token / outbound subscription.
type WebhookRegistration struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Token            string     `json:"-"` // ≥ 128 bits of entropy
	SubscribedEvents []string   `json:"subscribedEvents"` // event names or "*"
	TargetURL        string     `json:"targetUrl,omitempty"`
	TenantID         string     `json:"tenantId,omitempty"` // "" binds globally
	Enabled          bool       `json:"enabled"`
	TriggerCount     int64      `json:"triggerCount"`
	LastTriggeredAt  *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// WebhookDelivery is one outbound delivery attempt (audit log).
type WebhookDelivery struct {
	ID         int64     `json:"id"`
	WebhookID  string    `json:"webhookId"`
	Event      string    `json:"event"`
	StatusCode int       `json:"statusCode"` // 0 = transport error
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UsageRecord is one LLM call's token accounting, append-only.
type UsageRecord struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenantId,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	DurationMs   int64     `json:"durationMs"`
	Isolated     bool      `json:"isolated"`
	CreatedAt    time.Time `json:"createdAt"`
}
