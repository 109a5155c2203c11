package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// PauseControl: паузы типов агентов (engine.PauseManager).
type PauseControl interface {
	Pause(ctx context.Context, agentType, reason string) error
	Resume(ctx context.Context, agentType string) error
	List() []string
}

type AgentHandler struct {
	pauses PauseControl
	logger *zap.Logger
}

func NewAgentHandler(p PauseControl, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{pauses: p, logger: logger.Named("agents-api")}
}

// ListPaused: GET /v1/agents/paused
func (h *AgentHandler) ListPaused(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"paused": h.pauses.List()})
}

type pauseBody struct {
	Reason string `json:"reason"`
}

// Pause: POST /v1/agents/{agentType}/pause
func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	var body pauseBody
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "paused by operator"
	}

	// Ждем и Redis set, и сигнал: пауза должна дойти до всех инстансов
	if err := h.pauses.Pause(r.Context(), agentType, body.Reason); err != nil {
		h.logger.Error("failed to pause agent type", zap.String("agent_type", agentType), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume: DELETE /v1/agents/{agentType}/pause
func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	if err := h.pauses.Resume(r.Context(), agentType); err != nil {
		h.logger.Error("failed to resume agent type", zap.String("agent_type", agentType), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
