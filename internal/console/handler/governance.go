package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/admission"
	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/engine"
	"github.com/xela07ax/governor/internal/infra"
)

type SnapshotReader interface {
	Snapshot(ctx context.Context, tenantID string) (domain.QuotaSnapshot, error)
}

// GovernanceHandler обслуживает горячий путь агентов (классификация, допуск и итог вызова).
type GovernanceHandler struct {
	classifier engine.ActionClassifier
	gate       engine.AdmissionGate
	usage      *service.UsageService
	snapshots  SnapshotReader
	logger     *zap.Logger
}

func NewGovernanceHandler(c engine.ActionClassifier, g engine.AdmissionGate, u *service.UsageService, s SnapshotReader, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{classifier: c, gate: g, usage: u, snapshots: s, logger: logger.Named("governance-api")}
}

type classifyBody struct {
	AgentType string                   `json:"agent_type"`
	Actions   []domain.CandidateAction `json:"actions"`
}

// Classify: POST /v1/tenants/{tenantID}/classify
// Ошибка политики не превращается в 5xx: агент получает безопасный отчет (всё в pending) и текст ошибки.
func (h *GovernanceHandler) Classify(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body classifyBody
	if !decodeBody(w, r, &body) {
		return
	}

	report, err := h.classifier.Classify(r.Context(), body.Actions, tenantID, body.AgentType)
	resp := engine.ClassifyResponse{Report: report}
	if err != nil {
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			writeError(w, err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type admitBody struct {
	AgentType string               `json:"agent_type"`
	Live      domain.SystemMetrics `json:"live"`
}

// Admit: POST /v1/tenants/{tenantID}/admission
// Отказ отдается как 200 с allowed=false, клиент читает violation и retry_after_seconds.
func (h *GovernanceHandler) Admit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body admitBody
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := h.gate.Admit(r.Context(), admission.Request{TenantID: tenantID, AgentType: body.AgentType, Live: body.Live})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Finish: POST /v1/tenants/{tenantID}/admission/finish
func (h *GovernanceHandler) Finish(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body service.CallReport
	if !decodeBody(w, r, &body) {
		return
	}

	recorded, err := h.usage.Finish(r.Context(), tenantID, body)
	if err != nil {
		h.logger.Error("finish failed",
			zap.String("tenant_id", tenantID),
			zap.String("trace_id", infra.TraceID(r.Context())),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

// Quota: GET /v1/tenants/{tenantID}/quota
func (h *GovernanceHandler) Quota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	snap, err := h.snapshots.Snapshot(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
