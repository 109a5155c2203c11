package handler

import (
	"net/http"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/engine"
	"github.com/xela07ax/governor/internal/health"
)

type ReportSource interface {
	Last() *engine.Report
}

type BreakerState interface {
	State() string
}

type HealthHandler struct {
	reports    ReportSource
	breaker    BreakerState
	thresholds health.Thresholds
}

func NewHealthHandler(reports ReportSource, breaker BreakerState, t health.Thresholds) *HealthHandler {
	return &HealthHandler{reports: reports, breaker: breaker, thresholds: t}
}

// Live: публичный healthcheck процесса для мониторинга.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"store_breaker": h.breaker.State(),
	})
}

// Report: GET /v1/health: последний цикл супервизора.
func (h *HealthHandler) Report(w http.ResponseWriter, _ *http.Request) {
	rep := h.reports.Last()
	if rep == nil {
		http.Error(w, "no health report yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type evaluateBody struct {
	Metrics    domain.SystemMetrics   `json:"metrics"`
	QuotaUsage float64                `json:"quota_usage"`
	Tenant     string                 `json:"tenant,omitempty"`
	AgentStats []domain.AgentRunStats `json:"agent_stats,omitempty"`
	Errors     []domain.ErrorEvent    `json:"errors,omitempty"`
}

type evaluateResponse struct {
	Verdict    domain.HealthVerdict       `json:"verdict"`
	Directives []domain.ThrottleDirective `json:"directives"`
}

// Evaluate: POST /v1/health/evaluate: вердикт и директивы по присланным метрикам, без применения.
func (h *HealthHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateBody
	if !decodeBody(w, r, &body) {
		return
	}
	v := h.thresholds.Evaluate(health.Input{Metrics: body.Metrics, QuotaUsage: body.QuotaUsage})
	d := h.thresholds.Recommend(v, health.Signals{Tenant: body.Tenant, AgentStats: body.AgentStats, Errors: body.Errors})
	if d == nil {
		d = []domain.ThrottleDirective{}
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Verdict: v, Directives: d})
}
