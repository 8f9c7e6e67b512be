package tools

import "context"

// Tool execution context keys. These replace mutable setter fields on tool
// instances, keeping tools thread-safe for concurrent execution. Values are
// injected into context by the agent loop and read by tools in Execute().

type toolContextKey string

const (
	ctxAgentID        toolContextKey = "tool_agent_id"
	ctxAgentRole      toolContextKey = "tool_agent_role"
	ctxTenantID       toolContextKey = "tool_tenant_id"
	ctxConversationID toolContextKey = "tool_conversation_id"
)

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

func AgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

func WithAgentRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxAgentRole, role)
}

func AgentRoleFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentRole).(string)
	return v
}

func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTenantID, id)
}

func TenantIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantID).(string)
	return v
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxConversationID, id)
}

func ConversationIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxConversationID).(string)
	return v
}
