package a2a

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/providers"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// SubAgentRunner executes the sub-agent loop variant for a spawned identity.
// Implemented by the agent engine; indirection avoids an import cycle.
type SubAgentRunner interface {
	RunSubAgent(ctx context.Context, identity AgentIdentity, spec RoleSpec, task, parentConversationID string) (string, *providers.Usage, error)
}

// Spawner creates role-bound sub-agents under per-(tenant, role) caps.
type Spawner struct {
	fabric *Fabric
	runner SubAgentRunner
	logger *slog.Logger

	// Capacity is claimed under this mutex so two concurrent delegations
	// cannot both pass the count check.
	mu sync.Mutex
}

func NewSpawner(fabric *Fabric, runner SubAgentRunner, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{fabric: fabric, runner: runner, logger: logger}
}

// Delegate spawns a sub-agent for role, runs its loop on task and returns
// its final text. The parent gets a response message on the fabric for
// audit. Unknown roles and exhausted capacity are structured errors.
func (s *Spawner) Delegate(ctx context.Context, parent AgentIdentity, parentConversationID, role, task, taskContext string) (string, *providers.Usage, error) {
	spec, ok := LookupRole(role)
	if !ok {
		return "", nil, errs.Newf(errs.KindUnknownRole, "role %q is not in the catalog", role)
	}

	identity := AgentIdentity{
		ID:           "sub-" + uuid.NewString(),
		Role:         role,
		TenantID:     parent.TenantID,
		Capabilities: spec.AllowedTools,
	}

	s.mu.Lock()
	if s.fabric.ActiveCount(parent.TenantID, role) >= spec.MaxConcurrent {
		s.mu.Unlock()
		return "", nil, errs.Newf(errs.KindRoleCapacity,
			"tenant %s already runs %d %s agents", parent.TenantID, spec.MaxConcurrent, role)
	}
	// Sub-agents do not consume their own inbox; registration reserves the
	// capacity slot and makes the agent addressable.
	if err := s.fabric.RegisterAgent(identity, nil); err != nil {
		s.mu.Unlock()
		return "", nil, err
	}
	s.mu.Unlock()
	defer s.fabric.UnregisterAgent(identity.ID)

	fullTask := task
	if taskContext != "" {
		fullTask = task + "\n\nContext:\n" + taskContext
	}

	request := &store.A2AMessage{
		Kind:           store.A2AKindRequest,
		FromAgentID:    parent.ID,
		FromRole:       parent.Role,
		TenantID:       parent.TenantID,
		To:             identity.ID,
		ConversationID: parentConversationID,
		Action:         "delegate",
		Content:        fullTask,
	}
	if err := s.fabric.Send(ctx, request); err != nil {
		return "", nil, err
	}

	s.logger.Info("sub-agent spawned",
		"agent", identity.ID, "role", role, "tenant", parent.TenantID)

	answer, usage, err := s.runner.RunSubAgent(ctx, identity, spec, fullTask, parentConversationID)

	// Mirror the outcome to the parent for audit, success or not.
	content := answer
	if err != nil {
		content = "delegation failed: " + err.Error()
	}
	response := &store.A2AMessage{
		FromAgentID:    identity.ID,
		FromRole:       role,
		TenantID:       parent.TenantID,
		To:             parent.ID,
		ConversationID: parentConversationID,
		Action:         "delegate",
		Content:        content,
	}
	if mpErr := s.fabric.MarkProcessed(ctx, request.ID, response); mpErr != nil {
		s.logger.Warn("delegate audit trail incomplete", "request", request.ID, "error", mpErr)
	}

	return answer, usage, err
}
