// Package a2a implements the agent-to-agent message bus: an in-process
// fabric with persistence and request/response correlation, plus the
// role-capped sub-agent spawner.
package a2a

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// DefaultRequestTimeout bounds RequestAndWait when the caller passes zero.
const DefaultRequestTimeout = 120 * time.Second

const inboxBuffer = 64

// AgentIdentity is a live agent on the fabric. Lifetime is bounded by a
// single run; persistence references agents by id only.
type AgentIdentity struct {
	ID           string
	Role         string // planner, builder, reviewer, researcher, primary
	TenantID     string
	Capabilities []string
}

// MessageHandler consumes messages delivered to one agent's inbox.
type MessageHandler func(msg *store.A2AMessage)

type agentEntry struct {
	identity AgentIdentity
	inbox    chan *store.A2AMessage
	done     chan struct{}
}

// Fabric routes messages between registered agents. Every send is persisted
// before routing; per-inbox order equals send-accept order.
type Fabric struct {
	messages store.A2AStore
	logger   *slog.Logger

	mu           sync.RWMutex
	agents       map[string]*agentEntry
	correlations map[string]chan *store.A2AMessage // request id → response
}

func NewFabric(messages store.A2AStore, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		messages:     messages,
		logger:       logger,
		agents:       make(map[string]*agentEntry),
		correlations: make(map[string]chan *store.A2AMessage),
	}
}

// RegisterAgent adds an agent and starts its inbox pump. The handler runs on
// a dedicated goroutine, one message at a time, preserving delivery order.
func (f *Fabric) RegisterAgent(identity AgentIdentity, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.agents[identity.ID]; exists {
		return fmt.Errorf("agent %s already registered", identity.ID)
	}

	entry := &agentEntry{
		identity: identity,
		inbox:    make(chan *store.A2AMessage, inboxBuffer),
		done:     make(chan struct{}),
	}
	f.agents[identity.ID] = entry

	go func() {
		for {
			select {
			case <-entry.done:
				return
			case msg, ok := <-entry.inbox:
				if !ok {
					return
				}
				if handler != nil {
					handler(msg)
				}
			}
		}
	}()
	return nil
}

// UnregisterAgent removes an agent and stops its inbox pump.
func (f *Fabric) UnregisterAgent(id string) {
	f.mu.Lock()
	entry, ok := f.agents[id]
	if ok {
		delete(f.agents, id)
	}
	f.mu.Unlock()
	if ok {
		close(entry.done)
	}
}

// Agents returns the identities currently on the fabric.
func (f *Fabric) Agents() []AgentIdentity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]AgentIdentity, 0, len(f.agents))
	for _, entry := range f.agents {
		out = append(out, entry.identity)
	}
	return out
}

// ActiveCount reports registered agents for (tenant, role).
func (f *Fabric) ActiveCount(tenantID, role string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, entry := range f.agents {
		if entry.identity.TenantID == tenantID && entry.identity.Role == role {
			n++
		}
	}
	return n
}

// Send persists the message and routes it. Broadcast (to = "*") reaches every
// registered agent except the sender. A message whose TTL elapsed before
// delivery is marked expired.
func (f *Fabric) Send(ctx context.Context, msg *store.A2AMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = store.A2AKindEvent
	}
	msg.Status = store.A2AStatusPending
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := f.messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist a2a message: %w", err)
	}

	if msg.TTLMs > 0 && time.Since(msg.CreatedAt) > time.Duration(msg.TTLMs)*time.Millisecond {
		_ = f.messages.SetStatus(ctx, msg.ID, store.A2AStatusExpired, nil)
		return errs.Newf(errs.KindA2ATimeout, "message %s expired before delivery", msg.ID)
	}

	delivered := f.route(msg)
	if delivered == 0 && msg.To != "*" {
		_ = f.messages.SetStatus(ctx, msg.ID, store.A2AStatusFailed, nil)
		return fmt.Errorf("agent %s not registered", msg.To)
	}
	return f.messages.SetStatus(ctx, msg.ID, store.A2AStatusDelivered, nil)
}

func (f *Fabric) route(msg *store.A2AMessage) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	delivered := 0
	if msg.To == "*" {
		for id, entry := range f.agents {
			if id == msg.FromAgentID {
				continue
			}
			if f.enqueue(entry, msg) {
				delivered++
			}
		}
		return delivered
	}
	if entry, ok := f.agents[msg.To]; ok && f.enqueue(entry, msg) {
		delivered++
	}
	return delivered
}

func (f *Fabric) enqueue(entry *agentEntry, msg *store.A2AMessage) bool {
	select {
	case entry.inbox <- msg:
		return true
	default:
		f.logger.Warn("inbox full, message dropped",
			"agent", entry.identity.ID, "message", msg.ID)
		return false
	}
}

// RequestAndWait sends a request and blocks until a response correlated by
// replyTo arrives, the timeout elapses (KindA2ATimeout) or ctx ends.
func (f *Fabric) RequestAndWait(ctx context.Context, msg *store.A2AMessage, timeout time.Duration) (*store.A2AMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Kind = store.A2AKindRequest

	response := make(chan *store.A2AMessage, 1)
	f.mu.Lock()
	f.correlations[msg.ID] = response
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.correlations, msg.ID)
		f.mu.Unlock()
	}()

	if err := f.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-response:
		return resp, nil
	case <-time.After(timeout):
		return nil, errs.Newf(errs.KindA2ATimeout,
			"no response to %s within %s", msg.ID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkProcessed finalizes a message and optionally emits its response. The
// call is idempotent: finalizing an already-terminal message is a no-op.
// A response resolving a RequestAndWait continuation carries replyTo; a plain
// audit mirror (the answer already returned in-band, as with delegation) is
// persisted without it and delivered to the recipient's inbox best-effort.
func (f *Fabric) MarkProcessed(ctx context.Context, id string, response *store.A2AMessage) error {
	now := time.Now().UTC()
	if err := f.messages.SetStatus(ctx, id, store.A2AStatusProcessed, &now); err != nil {
		return err
	}
	if response == nil {
		return nil
	}

	response.Kind = store.A2AKindResponse
	if response.ID == "" {
		response.ID = uuid.NewString()
	}
	response.Status = store.A2AStatusProcessed
	response.CreatedAt = now

	// Resolve a pending continuation keyed on the request id, if any.
	f.mu.Lock()
	waiter, waiting := f.correlations[id]
	if waiting {
		delete(f.correlations, id)
	}
	f.mu.Unlock()

	if waiting {
		response.ReplyTo = id
	}
	if err := f.messages.Insert(ctx, response); err != nil {
		return fmt.Errorf("persist a2a response: %w", err)
	}
	if waiting {
		waiter <- response
		return nil
	}
	f.route(response)
	return nil
}
