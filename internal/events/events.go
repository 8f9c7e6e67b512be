package events

import (
	"log/slog"
	"sync"
	"time"
)

// Well-known event names. Payloads are JSON-serializable maps or structs.
const (
	AgentRunStart    = "agent:run:start"
	AgentRunComplete = "agent:run:complete"
	AgentRunError    = "agent:run:error"

	TaskStart     = "task:start"
	TaskComplete  = "task:complete"
	TaskError     = "task:error"
	TaskIteration = "task:iteration"

	ApprovalRequired = "approval:required"
	ApprovalResolved = "approval:resolved"

	SchedulerJobComplete = "scheduler:job:complete"

	MessageIncoming = "message:incoming"
	MessageReply    = "message:reply"

	BudgetAlert    = "budget:alert"
	BudgetExceeded = "budget:exceeded"
)

// Known reports whether name belongs to the event catalog above. The "*"
// subscription wildcard is not an event name.
func Known(name string) bool {
	switch name {
	case AgentRunStart, AgentRunComplete, AgentRunError,
		TaskStart, TaskComplete, TaskError, TaskIteration,
		ApprovalRequired, ApprovalResolved,
		SchedulerJobComplete,
		MessageIncoming, MessageReply,
		BudgetAlert, BudgetExceeded:
		return true
	}
	return false
}

// Event is one in-process broadcast.
type Event struct {
	Name      string    `json:"name"`
	TenantID  string    `json:"tenantId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives broadcast events. Handlers run on the emitting goroutine
// and must not block.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so components decouple
// from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is an in-process fan-out publisher. Delivery order across subscribers
// is unspecified; per-subscriber order follows broadcast order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. A panicking handler is
// dropped from the dispatch, not propagated to the emitter.
func (b *Bus) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	h(event)
}
