package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/loopgate/internal/webhook"
)

// routes builds the gateway mux: the webhook surface plus the operator
// endpoints for health and approvals.
func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	wh := webhook.NewHandler(s.stores.Webhooks, s.stores.Conversations,
		s.resolver, s.engine, s.sched, s.bus, s.logger)
	wh.Register(mux)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/approve", s.resolveApproval(true))
	mux.HandleFunc("POST /approvals/{id}/reject", s.resolveApproval(false))

	return mux
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Service) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.broker.Pending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": "listing approvals failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "approvals": pending})
}

// resolveApproval is the operator action that unblocks a waiting tool call.
func (s *Service) resolveApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.broker.Resolve(r.Context(), id, approve); err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false, "error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
