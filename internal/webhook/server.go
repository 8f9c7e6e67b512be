package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/agent"
	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// asyncRunTimeout bounds detached (sync=false) invoke runs.
const asyncRunTimeout = 10 * time.Minute

// Runner executes agent loops. Implemented by agent.Engine.
type Runner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// Resolver builds effective configs. Implemented by agent.Resolver.
type Resolver interface {
	ResolveTenant(ctx context.Context, tenantID string) (*agent.EffectiveConfig, error)
}

// JobCreator persists scheduler jobs. Implemented by the scheduler.
type JobCreator interface {
	CreateJob(ctx context.Context, job *store.ScheduledJob) error
}

// Handler serves the token-keyed inbound webhook endpoints.
type Handler struct {
	webhooks      store.WebhookStore
	conversations store.ConversationStore
	resolver      Resolver
	runner        Runner
	jobs          JobCreator
	bus           events.Publisher
	logger        *slog.Logger
}

func NewHandler(webhooks store.WebhookStore, conversations store.ConversationStore, resolver Resolver, runner Runner, jobs JobCreator, bus events.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		webhooks:      webhooks,
		conversations: conversations,
		resolver:      resolver,
		runner:        runner,
		jobs:          jobs,
		bus:           bus,
		logger:        logger,
	}
}

// Register mounts the inbound endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/invoke/{token}", h.Invoke)
	mux.HandleFunc("POST /webhook/task/{token}", h.Task)
	mux.HandleFunc("GET /webhook/health/{token}", h.Health)
}

type invokeRequest struct {
	Message        string            `json:"message"`
	AgentGroupID   string            `json:"agentGroupId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Sync           *bool             `json:"sync,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Invoke runs the agent loop for an inbound message. sync=true (default)
// returns the assistant text; sync=false returns immediately with the
// conversation id.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	wh, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Body override wins over the webhook's own tenant binding.
	tenantID := req.AgentGroupID
	if tenantID == "" {
		tenantID = wh.TenantID
	}
	cfg, err := h.resolver.ResolveTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("tenant resolution failed", "webhook", wh.ID, "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}

	externalID := req.ConversationID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	conv, err := h.conversations.GetOrCreate(r.Context(), "webhook-"+wh.ID, externalID, wh.Name)
	if err != nil {
		h.logger.Error("conversation lookup failed", "webhook", wh.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "conversation lookup failed")
		return
	}

	h.emit(events.MessageIncoming, tenantID, map[string]any{
		"webhookId":      wh.ID,
		"conversationId": conv.ID,
	})

	runReq := &agent.RunRequest{Conversation: conv, Config: cfg, Message: req.Message}

	if req.Sync != nil && !*req.Sync {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), asyncRunTimeout)
			defer cancel()
			if _, err := h.runner.Run(ctx, runReq); err != nil {
				h.logger.Error("async webhook run failed", "conversation", conv.ID, "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"conversationId": conv.ID,
			"status":         "accepted",
		})
		return
	}

	res, err := h.runner.Run(r.Context(), runReq)
	if err != nil {
		h.logger.Error("webhook run failed", "conversation", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "agent run failed")
		return
	}

	h.emit(events.MessageReply, tenantID, map[string]any{
		"webhookId":      wh.ID,
		"conversationId": conv.ID,
		"chars":          len(res.Text),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"response":       res.Text,
		"conversationId": conv.ID,
	})
}

type taskRequest struct {
	Name          string `json:"name"`
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

// Task creates and starts a long-running loop-mode job.
func (h *Handler) Task(w http.ResponseWriter, r *http.Request) {
	wh, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "name and prompt are required")
		return
	}

	job := &store.ScheduledJob{
		ID:            uuid.NewString(),
		Name:          req.Name,
		TenantID:      wh.TenantID,
		Trigger:       store.TriggerSpec{Kind: store.TriggerOnce, RunAt: time.Now().UTC()},
		Action:        req.Prompt,
		Enabled:       true,
		LoopMode:      true,
		MaxIterations: req.MaxIterations,
	}
	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		h.logger.Error("task creation failed", "webhook", wh.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "task creation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"taskId":  job.ID,
		"status":  "started",
	})
}

// Health returns webhook metadata for a valid token.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	wh, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"webhook": map[string]any{
			"id":       wh.ID,
			"name":     wh.Name,
			"platform": "webhook",
			"events":   wh.SubscribedEvents,
		},
	})
}

// authenticate resolves the path token to an enabled webhook; failures are
// answered with 401.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*store.WebhookRegistration, bool) {
	token := r.PathValue("token")
	wh, err := h.webhooks.GetByToken(r.Context(), token)
	if err != nil || wh == nil || !wh.Enabled {
		h.logger.Warn("webhook auth failed", "path", r.URL.Path,
			"error", errs.New(errs.KindWebhookAuth, "invalid webhook token"))
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return wh, true
}

func (h *Handler) emit(name, tenantID string, payload map[string]any) {
	if h.bus == nil {
		return
	}
	h.bus.Broadcast(events.Event{Name: name, TenantID: tenantID, Payload: payload})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
