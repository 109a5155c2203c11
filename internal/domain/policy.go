package domain

import (
	"slices"
	"time"
)

// RiskLevel: уровень влияния действия, используется как прокси риска.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank задает порядок low < medium < high. Для неизвестного значения возвращает 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// Exceeds сообщает, что уровень r строго выше потолка ceiling.
func (r RiskLevel) Exceeds(ceiling RiskLevel) bool {
	return r.Rank() > ceiling.Rank()
}

// CategoryGeneral назначается агентам, которых нет в каталоге. В белый список по умолчанию не входит.
const CategoryGeneral = "general"

// DefaultAllowedCategories: белый список для тенанта без строки в tenant_policies.
var DefaultAllowedCategories = []string{"seo_fix", "content_update"}

// TenantLimits: жесткие лимиты потребления, проверяемые Admission Gate.
type TenantLimits struct {
	MonthlyTokenBudget   int64 `json:"monthly_token_budget"`
	MaxRequestsPerMinute int64 `json:"max_requests_per_minute"`
	MaxConcurrentRuns    int64 `json:"max_concurrent_runs"`
}

// TenantPolicy: настройки автопилота тенанта. Никогда не удаляется.
type TenantPolicy struct {
	TenantID          string       `json:"tenant_id"`
	Enabled           bool         `json:"enabled"`
	AllowedCategories []string     `json:"allowed_categories"`
	RiskCeiling       RiskLevel    `json:"risk_ceiling"`
	MaxActionsPerWeek uint         `json:"max_actions_per_week"`
	MaxDailyBudget    float64      `json:"max_daily_budget"`
	Limits            TenantLimits `json:"limits"`

	// Frozen выставляется директивой freeze_autopilot и не трогает решение администратора (Enabled).
	Frozen       bool      `json:"frozen"`
	FrozenReason string    `json:"frozen_reason,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Fallback: политика не прочитана из хранилища, а подставлена DefaultPolicy.
	Fallback bool `json:"fallback,omitempty"`
}

// DefaultPolicy: консервативная политика для тенанта без записи, автопилот выключен.
func DefaultPolicy(tenantID string) TenantPolicy {
	return TenantPolicy{
		TenantID:          tenantID,
		Enabled:           false,
		AllowedCategories: slices.Clone(DefaultAllowedCategories),
		RiskCeiling:       RiskLow,
		MaxActionsPerWeek: 10,
		MaxDailyBudget:    50,
		Limits: TenantLimits{
			MonthlyTokenBudget:   1_000_000,
			MaxRequestsPerMinute: 60,
			MaxConcurrentRuns:    3,
		},
		Fallback: true,
	}
}

// AutopilotActive: автопилот включен администратором и не заморожен супервизором.
func (p TenantPolicy) AutopilotActive() bool {
	return p.Enabled && !p.Frozen
}

// Allows проверяет категорию по белому списку. general разрешается только явно.
func (p TenantPolicy) Allows(category string) bool {
	return slices.Contains(p.AllowedCategories, category)
}

// Validate отсекает политики, по которым классификатор не может принять решение.
func (p TenantPolicy) Validate() error {
	if p.TenantID == "" {
		return &ConfigurationError{Reason: "tenant_id is empty"}
	}
	if !p.RiskCeiling.Valid() {
		return &ConfigurationError{TenantID: p.TenantID, Reason: "invalid risk_ceiling " + string(p.RiskCeiling)}
	}
	if p.MaxDailyBudget < 0 {
		return &ConfigurationError{TenantID: p.TenantID, Reason: "negative max_daily_budget"}
	}
	return nil
}
