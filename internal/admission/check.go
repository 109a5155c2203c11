// Package admission: предполетная проверка перед каждым вызовом LLM.
package admission

import (
	"fmt"

	"github.com/xela07ax/governor/internal/domain"
)

const (
	ViolationMonthlyTokens = "monthly_token_budget"
	ViolationDailySpend    = "daily_spend_cap"
	ViolationPerMinute     = "requests_per_minute"
	ViolationConcurrency   = "concurrent_runs"
	ViolationAgentPaused   = "agent_paused"
	ViolationUnavailable   = "governance_unavailable"
)

// Подсказки для повтора: чем крупнее окно, тем дольше ждать.
const (
	RetryMonthly     = 86400
	RetryDaily       = 3600
	RetryPerMinute   = 60
	RetryConcurrency = 10
)

// CheckAdmission проверяет лимиты от крупного окна к мелкому и возвращает первое нарушение.
// Вызывающий, получивший отказ по минутному лимиту, не должен долбить тенанта,
// у которого исчерпан месяц: поэтому месяц проверяется первым.
//
// live: свежие метрики тенанта. Для запросов в минуту и параллельных прогонов
// берется максимум из снапшота и live. Нулевой лимит означает "не ограничено".
func CheckAdmission(s domain.QuotaSnapshot, p domain.TenantPolicy, live domain.SystemMetrics) domain.AdmissionResult {
	l := p.Limits

	if l.MonthlyTokenBudget > 0 && s.TokensThisMonth >= l.MonthlyTokenBudget {
		return deny(ViolationMonthlyTokens, RetryMonthly,
			fmt.Sprintf("monthly token budget exhausted (%d/%d)", s.TokensThisMonth, l.MonthlyTokenBudget))
	}
	if p.MaxDailyBudget > 0 && s.SpendToday >= p.MaxDailyBudget {
		return deny(ViolationDailySpend, RetryDaily,
			fmt.Sprintf("daily spend cap reached (%.2f/%.2f)", s.SpendToday, p.MaxDailyBudget))
	}
	if rpm := max(s.RequestsThisMinute, live.RequestsThisMinute); l.MaxRequestsPerMinute > 0 && rpm >= l.MaxRequestsPerMinute {
		return deny(ViolationPerMinute, RetryPerMinute,
			fmt.Sprintf("requests per minute limit reached (%d/%d)", rpm, l.MaxRequestsPerMinute))
	}
	if runs := max(s.ConcurrentRuns, live.ConcurrentRuns); l.MaxConcurrentRuns > 0 && runs >= l.MaxConcurrentRuns {
		return deny(ViolationConcurrency, RetryConcurrency,
			fmt.Sprintf("concurrent runs limit reached (%d/%d)", runs, l.MaxConcurrentRuns))
	}
	return domain.AdmissionResult{Allowed: true}
}

func deny(violation string, retryAfter int, reason string) domain.AdmissionResult {
	return domain.AdmissionResult{
		Allowed:           false,
		Reason:            reason,
		Violation:         violation,
		RetryAfterSeconds: retryAfter,
	}
}
