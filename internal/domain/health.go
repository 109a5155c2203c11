package domain

import "time"

// SystemMetrics: агрегированные метрики за окно. FailedRequests <= TotalRequests.
type SystemMetrics struct {
	TotalRequests      int64   `json:"total_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TotalTokens        int64   `json:"total_tokens"`
	TotalCost          float64 `json:"total_cost"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	ConcurrentRuns     int64   `json:"concurrent_runs"`
	RequestsThisMinute int64   `json:"requests_this_minute"`
}

// Normalize приводит метрики к инварианту failed <= total и отсекает отрицательные значения.
func (m SystemMetrics) Normalize() SystemMetrics {
	if m.TotalRequests < 0 {
		m.TotalRequests = 0
	}
	if m.FailedRequests < 0 {
		m.FailedRequests = 0
	}
	if m.FailedRequests > m.TotalRequests {
		m.FailedRequests = m.TotalRequests
	}
	return m
}

type AgentRunStats struct {
	AgentType     string   `json:"agent_type"`
	Runs          int64    `json:"runs"`
	Successes     int64    `json:"successes"`
	Failures      int64    `json:"failures"`
	SuccessRate   float64  `json:"success_rate"`
	ErrorPatterns []string `json:"error_patterns,omitempty"`
}

type ErrorEvent struct {
	AgentType string    `json:"agent_type"`
	Message   string    `json:"message"`
	Retry     bool      `json:"retry"`
	At        time.Time `json:"at"`
}

type OverallHealth string

const (
	HealthHealthy  OverallHealth = "healthy"
	HealthDegraded OverallHealth = "degraded"
	HealthCritical OverallHealth = "critical"
)

type ErrorRateBand string

const (
	ErrorRateNormal   ErrorRateBand = "normal"
	ErrorRateElevated ErrorRateBand = "elevated"
	ErrorRateCritical ErrorRateBand = "critical"
)

type LatencyBand string

const (
	LatencyNormal   LatencyBand = "normal"
	LatencySlow     LatencyBand = "slow"
	LatencyCritical LatencyBand = "critical"
)

type QuotaBand string

const (
	QuotaOK       QuotaBand = "ok"
	QuotaWarning  QuotaBand = "warning"
	QuotaExceeded QuotaBand = "exceeded"
)

// HealthVerdict всегда пересчитывается из метрик, в хранилище не пишется.
type HealthVerdict struct {
	Overall      OverallHealth `json:"overall"`
	ErrorRate    ErrorRateBand `json:"error_rate"`
	Latency      LatencyBand   `json:"latency"`
	QuotaStatus  QuotaBand     `json:"quota_status"`
	ErrorRatio   float64       `json:"error_ratio"`
	QuotaUsage   float64       `json:"quota_usage"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
}

type DirectiveType string

const (
	DirectiveReduceTokens    DirectiveType = "reduce_tokens"
	DirectiveSwitchModel     DirectiveType = "switch_model"
	DirectivePauseAgent      DirectiveType = "pause_agent"
	DirectiveFreezeAutopilot DirectiveType = "freeze_autopilot"
	DirectiveAlertOps        DirectiveType = "alert_ops"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Rank() int {
	return RiskLevel(s).Rank()
}

// ThrottleDirective: рекомендация. Применяет ее вызывающая сторона.
type ThrottleDirective struct {
	Type     DirectiveType `json:"type"`
	Target   string        `json:"target,omitempty"`
	Reason   string        `json:"reason"`
	Severity Severity      `json:"severity"`
}

// CallRecord: итог одного вызова LLM, источник метрик супервизора.
type CallRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AgentType string    `json:"agent_type"`
	OK        bool      `json:"ok"`
	Tokens    int64     `json:"tokens"`
	Cost      float64   `json:"cost"`
	LatencyMs int64     `json:"latency_ms"`
	Retry     bool      `json:"retry"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
