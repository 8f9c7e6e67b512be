// Package approval implements the human-in-the-loop gate for tool execution.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// Broker resolves approval rules and blocks tool calls pending an operator
// decision. Each pending approval gets a timer honoring the rule's timeout.
type Broker struct {
	approvals store.ApprovalStore
	bus       events.Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan string // approval id → resolved status
	timers  map[string]*time.Timer
}

func NewBroker(approvals store.ApprovalStore, bus events.Publisher, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		approvals: approvals,
		bus:       bus,
		logger:    logger,
		waiters:   make(map[string]chan string),
		timers:    make(map[string]*time.Timer),
	}
}

// Decide implements tools.Approver. It resolves the effective rule for
// (tenant, tool): no rule or auto-approve lets the call through; a
// require-approval rule blocks until resolution or timeout.
func (b *Broker) Decide(ctx context.Context, tenantID, agentID, toolName string, args map[string]any) error {
	rule, err := b.approvals.Rule(ctx, tenantID, toolName)
	if err != nil {
		return fmt.Errorf("resolve approval rule: %w", err)
	}
	if rule == nil || rule.AutoApprove || !rule.RequireApproval {
		return nil
	}

	timeout := time.Duration(rule.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	input, _ := json.Marshal(args)
	pending := &store.PendingApproval{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentID:   agentID,
		Tool:      toolName,
		Input:     input,
		ExpiresAt: time.Now().UTC().Add(timeout),
	}
	if err := b.approvals.InsertPending(ctx, pending); err != nil {
		return fmt.Errorf("persist pending approval: %w", err)
	}

	resolved := make(chan string, 1)
	b.mu.Lock()
	b.waiters[pending.ID] = resolved
	b.timers[pending.ID] = time.AfterFunc(timeout, func() {
		b.expire(pending.ID, rule.OnTimeout)
	})
	b.mu.Unlock()

	b.logger.Info("approval required",
		"approval", pending.ID, "tenant", tenantID, "tool", toolName, "timeout", timeout)
	if b.bus != nil {
		b.bus.Broadcast(events.Event{
			Name:     events.ApprovalRequired,
			TenantID: tenantID,
			Payload: map[string]any{
				"approvalId": pending.ID,
				"agentId":    agentID,
				"tool":       toolName,
				"expiresAt":  pending.ExpiresAt,
			},
		})
	}

	select {
	case status := <-resolved:
		switch status {
		case store.ApprovalApproved:
			return nil
		case store.ApprovalTimedOut:
			return errs.Newf(errs.KindApprovalTimeout,
				"tool %s approval timed out after %s", toolName, timeout)
		default:
			return errs.Newf(errs.KindApprovalRejected,
				"tool %s rejected by operator", toolName)
		}
	case <-ctx.Done():
		b.drop(pending.ID)
		return ctx.Err()
	}
}

// Resolve applies an operator decision. approve=false rejects. Returns
// store.ErrNotFound for unknown ids and an error for already-terminal rows.
func (b *Broker) Resolve(ctx context.Context, id string, approve bool) error {
	status := store.ApprovalRejected
	if approve {
		status = store.ApprovalApproved
	}
	ok, err := b.approvals.ResolvePending(ctx, id, status)
	if err != nil {
		return err
	}
	if !ok {
		if _, getErr := b.approvals.GetPending(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("approval %s already resolved", id)
	}

	b.notify(id, status)
	b.emitResolved(id, status)
	return nil
}

// Pending lists open approvals.
func (b *Broker) Pending(ctx context.Context) ([]store.PendingApproval, error) {
	return b.approvals.ListPending(ctx)
}

// expire runs on timer fire: the row resolves per the rule's onTimeout policy.
func (b *Broker) expire(id, onTimeout string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := store.ApprovalTimedOut
	if onTimeout == "approve" {
		status = store.ApprovalApproved
	}
	ok, err := b.approvals.ResolvePending(ctx, id, status)
	if err != nil {
		b.logger.Error("approval timeout persistence failed", "approval", id, "error", err)
	}
	if !ok {
		return // operator beat the timer
	}

	b.logger.Warn("approval timed out", "approval", id, "onTimeout", onTimeout)
	b.notify(id, status)
	b.emitResolved(id, status)
}

// notify wakes the blocked caller, if still waiting.
func (b *Broker) notify(id, status string) {
	b.mu.Lock()
	ch, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}
	if timer, tok := b.timers[id]; tok {
		timer.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	if ok {
		ch <- status
	}
}

// drop abandons a waiter whose caller context ended.
func (b *Broker) drop(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()
}

func (b *Broker) emitResolved(id, status string) {
	if b.bus == nil {
		return
	}
	b.bus.Broadcast(events.Event{
		Name: events.ApprovalResolved,
		Payload: map[string]any{
			"approvalId": id,
			"status":     status,
		},
	})
}
