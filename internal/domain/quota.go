package domain

// Counter: имя счетчика потребления в Quota Ledger.
type Counter string

const (
	CounterActionsWeek    Counter = "actions_week"
	CounterTokensMonth    Counter = "tokens_month"
	CounterSpendDay       Counter = "spend_day"
	CounterRequestsMinute Counter = "requests_minute"
	CounterConcurrentRuns Counter = "concurrent_runs"
)

// Counters: все счетчики в порядке вывода снапшота.
var Counters = []Counter{
	CounterActionsWeek,
	CounterTokensMonth,
	CounterSpendDay,
	CounterRequestsMinute,
	CounterConcurrentRuns,
}

func (c Counter) Valid() bool {
	for _, known := range Counters {
		if c == known {
			return true
		}
	}
	return false
}

// QuotaSnapshot: текущее потребление тенанта. Только для чтения.
type QuotaSnapshot struct {
	TenantID           string  `json:"tenant_id"`
	ActionsThisWeek    int64   `json:"actions_this_week"`
	TokensThisMonth    int64   `json:"tokens_this_month"`
	SpendToday         float64 `json:"spend_today"`
	RequestsThisMinute int64   `json:"requests_this_minute"`
	ConcurrentRuns     int64   `json:"concurrent_runs"`
}

// Set раскладывает значение счетчика в соответствующее поле снапшота.
func (s *QuotaSnapshot) Set(c Counter, v float64) {
	switch c {
	case CounterActionsWeek:
		s.ActionsThisWeek = int64(v)
	case CounterTokensMonth:
		s.TokensThisMonth = int64(v)
	case CounterSpendDay:
		s.SpendToday = v
	case CounterRequestsMinute:
		s.RequestsThisMinute = int64(v)
	case CounterConcurrentRuns:
		s.ConcurrentRuns = int64(v)
	}
}

// UsageRatio: max(tokens/budget, spend/dailyCap). Нулевой лимит в расчете не участвует.
func (s QuotaSnapshot) UsageRatio(p TenantPolicy) float64 {
	var ratio float64
	if p.Limits.MonthlyTokenBudget > 0 {
		ratio = float64(s.TokensThisMonth) / float64(p.Limits.MonthlyTokenBudget)
	}
	if p.MaxDailyBudget > 0 {
		if r := s.SpendToday / p.MaxDailyBudget; r > ratio {
			ratio = r
		}
	}
	return ratio
}

// AdmissionResult: ответ Admission Gate перед вызовом LLM.
type AdmissionResult struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Violation         string `json:"violation,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	// RunID выдается только при допуске, с ним агент закрывает прогон.
	RunID             string `json:"run_id,omitempty"`
}
