package a2a

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/loopgate/internal/store"
	"github.com/nextlevelbuilder/loopgate/internal/tools"
)

// callerIdentity reconstructs the calling agent from the tool context.
func callerIdentity(ctx context.Context) AgentIdentity {
	role := tools.AgentRoleFromCtx(ctx)
	if role == "" {
		role = RolePrimary
	}
	return AgentIdentity{
		ID:       tools.AgentIDFromCtx(ctx),
		Role:     role,
		TenantID: tools.TenantIDFromCtx(ctx),
	}
}

// DelegateTaskTool hands a task to a role-bound sub-agent and returns its
// final answer.
type DelegateTaskTool struct {
	spawner *Spawner
}

func NewDelegateTaskTool(spawner *Spawner) *DelegateTaskTool {
	return &DelegateTaskTool{spawner: spawner}
}

func (t *DelegateTaskTool) Name() string { return "delegate_task" }

func (t *DelegateTaskTool) Description() string {
	roles := make([]string, 0, len(Roles))
	for id := range Roles {
		roles = append(roles, id)
	}
	sort.Strings(roles)
	return fmt.Sprintf("Delegate a task to a specialist sub-agent. Available roles: %s. Returns the sub-agent's final answer.",
		strings.Join(roles, ", "))
}

func (t *DelegateTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role": map[string]any{
				"type":        "string",
				"description": "Specialist role to delegate to.",
				"enum":        []string{"planner", "builder", "reviewer", "researcher"},
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent.",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Optional extra context passed along with the task.",
			},
		},
		"required": []string{"role", "task"},
	}
}

func (t *DelegateTaskTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	role, _ := args["role"].(string)
	task, _ := args["task"].(string)
	taskContext, _ := args["context"].(string)

	parent := callerIdentity(ctx)
	answer, usage, err := t.spawner.Delegate(ctx, parent,
		tools.ConversationIDFromCtx(ctx), role, task, taskContext)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("delegation to %s failed: %v", role, err)).WithError(err)
	}
	res := tools.NewResult(answer)
	res.Usage = usage
	return res
}

// BroadcastEventTool publishes an event message to every registered agent.
type BroadcastEventTool struct {
	fabric *Fabric
}

func NewBroadcastEventTool(fabric *Fabric) *BroadcastEventTool {
	return &BroadcastEventTool{fabric: fabric}
}

func (t *BroadcastEventTool) Name() string { return "broadcast_event" }

func (t *BroadcastEventTool) Description() string {
	return "Broadcast an event to all other active agents on the bus."
}

func (t *BroadcastEventTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "Short event name, e.g. \"status_update\".",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Event payload text.",
			},
		},
		"required": []string{"action", "content"},
	}
}

func (t *BroadcastEventTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	action, _ := args["action"].(string)
	content, _ := args["content"].(string)
	caller := callerIdentity(ctx)

	msg := &store.A2AMessage{
		Kind:           store.A2AKindEvent,
		FromAgentID:    caller.ID,
		FromRole:       caller.Role,
		TenantID:       caller.TenantID,
		To:             "*",
		ConversationID: tools.ConversationIDFromCtx(ctx),
		Action:         action,
		Content:        content,
	}
	if err := t.fabric.Send(ctx, msg); err != nil {
		return tools.ErrorResult(fmt.Sprintf("broadcast failed: %v", err)).WithError(err)
	}
	return tools.SilentResult(fmt.Sprintf("event %q broadcast as %s", action, msg.ID))
}

// QueryAgentsTool lists the agents currently active on the bus.
type QueryAgentsTool struct {
	fabric *Fabric
}

func NewQueryAgentsTool(fabric *Fabric) *QueryAgentsTool {
	return &QueryAgentsTool{fabric: fabric}
}

func (t *QueryAgentsTool) Name() string { return "query_agents" }

func (t *QueryAgentsTool) Description() string {
	return "List the agents currently active on the bus with their roles."
}

func (t *QueryAgentsTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *QueryAgentsTool) Execute(ctx context.Context, _ map[string]any) *tools.Result {
	caller := callerIdentity(ctx)
	agents := t.fabric.Agents()

	var lines []string
	for _, a := range agents {
		if caller.TenantID != "" && a.TenantID != caller.TenantID {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (role: %s)", a.ID, a.Role))
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return tools.NewResult("No other agents are active.")
	}
	return tools.NewResult("Active agents:\n" + strings.Join(lines, "\n"))
}
