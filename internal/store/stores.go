package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tenants       TenantStore
	Conversations ConversationStore
	Usage         UsageStore
	A2A           A2AStore
	Approvals     ApprovalStore
	Jobs          JobStore
	Calendar      CalendarStore
	Webhooks      WebhookStore
}

// TenantStore manages tenants and channel → tenant bindings.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Update(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Delete(ctx context.Context, id string) error

	// BindChannel maps a channel to a tenant; tenantID "" removes the binding.
	BindChannel(ctx context.Context, channelID, tenantID string) error
	// TenantForChannel returns the bound tenant id, "" when unbound.
	TenantForChannel(ctx context.Context, channelID string) (string, error)
}

// ConversationStore manages conversations and their append-only messages.
type ConversationStore interface {
	// GetOrCreate upserts by (channelID, externalID); idempotent.
	GetOrCreate(ctx context.Context, channelID, externalID, title string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	AppendMessage(ctx context.Context, msg *Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}

// UsageStore is the append-only token ledger.
type UsageStore interface {
	Record(ctx context.Context, rec *UsageRecord) error
	// SumTokens returns input+output tokens for the tenant in [from, to).
	SumTokens(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}

// A2AStore persists the agent-to-agent audit trail.
type A2AStore interface {
	Insert(ctx context.Context, msg *A2AMessage) error
	Get(ctx context.Context, id string) (*A2AMessage, error)
	// SetStatus advances the message status; processedAt is recorded for
	// terminal states. Advancing an already-terminal row is a no-op.
	SetStatus(ctx context.Context, id, status string, processedAt *time.Time) error
	ListByConversation(ctx context.Context, conversationID string) ([]A2AMessage, error)
}

// ApprovalStore manages approval rules and pending approvals.
type ApprovalStore interface {
	UpsertRule(ctx context.Context, rule *ApprovalRule) error
	// Rule resolves the effective rule for (tenantID, toolName): the
	// tenant-scoped rule wins over a global one. Nil when none matches.
	Rule(ctx context.Context, tenantID, toolName string) (*ApprovalRule, error)
	ListRules(ctx context.Context) ([]ApprovalRule, error)

	InsertPending(ctx context.Context, p *PendingApproval) error
	GetPending(ctx context.Context, id string) (*PendingApproval, error)
	// ResolvePending moves a pending row to a terminal status. Returns false
	// when the row was already terminal.
	ResolvePending(ctx context.Context, id, status string) (bool, error)
	ListPending(ctx context.Context) ([]PendingApproval, error)
}

// JobStore manages scheduled jobs and their runs.
type JobStore interface {
	Create(ctx context.Context, j *ScheduledJob) error
	Update(ctx context.Context, j *ScheduledJob) error
	Get(ctx context.Context, id string) (*ScheduledJob, error)
	List(ctx context.Context) ([]ScheduledJob, error)
	Delete(ctx context.Context, id string) error
	// Due returns enabled jobs with nextRunAt <= now.
	Due(ctx context.Context, now time.Time) ([]ScheduledJob, error)

	InsertRun(ctx context.Context, r *JobRun) error
	// FinishRun moves a running row to a terminal status; terminal rows are
	// never updated again.
	FinishRun(ctx context.Context, r *JobRun) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error)
}

// CalendarStore manages iCal sources, events and trigger de-duplication.
type CalendarStore interface {
	CreateSource(ctx context.Context, s *CalendarSource) error
	ListSources(ctx context.Context) ([]CalendarSource, error)
	TouchSource(ctx context.Context, id string, syncedAt time.Time) error
	DeleteSource(ctx context.Context, id string) error

	// UpsertEvent inserts or updates by (calendarID, uid); idempotent.
	UpsertEvent(ctx context.Context, e *CalendarEvent) error
	// EventsBetween returns events with startAt in [from, to) for the
	// calendar; calendarID "" spans all calendars.
	EventsBetween(ctx context.Context, calendarID string, from, to time.Time) ([]CalendarEvent, error)

	// MarkFired records that (jobID, eventUID, occurrence) fired. Returns
	// false when the pair already fired for this occurrence.
	MarkFired(ctx context.Context, jobID, eventUID string, occurrence time.Time) (bool, error)
}

// WebhookStore manages webhook registrations and the delivery log.
type WebhookStore interface {
	Create(ctx context.Context, w *WebhookRegistration) error
	Update(ctx context.Context, w *WebhookRegistration) error
	GetByToken(ctx context.Context, token string) (*WebhookRegistration, error)
	List(ctx context.Context) ([]WebhookRegistration, error)
	Delete(ctx context.Context, id string) error
	// Subscribed returns enabled webhooks whose subscription set contains the
	// event or "*", filtered by tenant (webhooks with no tenant bind globally).
	Subscribed(ctx context.Context, event, tenantID string) ([]WebhookRegistration, error)
	IncrementTrigger(ctx context.Context, id string, at time.Time) error
	InsertDelivery(ctx context.Context, d *WebhookDelivery) error
}
