package health

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/xela07ax/governor/internal/domain"
)

// Signals: сигналы сверх вердикта.
type Signals struct {
	// Tenant задает адресата директив по квоте и ошибкам. Пусто значит вся платформа.
	Tenant     string
	AgentStats []domain.AgentRunStats
	Errors     []domain.ErrorEvent
}

// Recommend выдает директивы с порогами по умолчанию.
func Recommend(v domain.HealthVerdict, s Signals) []domain.ThrottleDirective {
	return DefaultThresholds.Recommend(v, s)
}

// Recommend: фиксированная таблица триггеров. Порядок вывода стабилен,
// дубли (type, target) схлопываются с максимальной серьезностью.
func (t Thresholds) Recommend(v domain.HealthVerdict, s Signals) []domain.ThrottleDirective {
	var out directives
	scope := s.Tenant

	switch v.QuotaStatus {
	case domain.QuotaExceeded:
		reason := fmt.Sprintf("quota exceeded (usage %.0f%%)", v.QuotaUsage*100)
		out.add(domain.DirectiveFreezeAutopilot, scope, reason, domain.SeverityHigh)
		out.add(domain.DirectiveAlertOps, scope, reason, domain.SeverityHigh)
	case domain.QuotaWarning:
		reason := fmt.Sprintf("quota nearly exhausted (usage %.0f%%)", v.QuotaUsage*100)
		out.add(domain.DirectiveReduceTokens, scope, reason, domain.SeverityMedium)
		out.add(domain.DirectiveSwitchModel, scope, reason, domain.SeverityMedium)
	}

	switch v.ErrorRate {
	case domain.ErrorRateCritical:
		reason := fmt.Sprintf("error rate critical (%.1f%%)", v.ErrorRatio*100)
		out.add(domain.DirectiveFreezeAutopilot, scope, reason, domain.SeverityHigh)
		out.add(domain.DirectiveAlertOps, scope, reason, domain.SeverityHigh)
	case domain.ErrorRateElevated:
		out.add(domain.DirectiveReduceTokens, scope,
			fmt.Sprintf("error rate elevated (%.1f%%)", v.ErrorRatio*100), domain.SeverityMedium)
	}

	switch v.Latency {
	case domain.LatencyCritical:
		out.add(domain.DirectiveSwitchModel, scope,
			fmt.Sprintf("average latency %.0fms", v.AvgLatencyMs), domain.SeverityHigh)
	case domain.LatencySlow:
		out.add(domain.DirectiveReduceTokens, scope,
			fmt.Sprintf("average latency %.0fms", v.AvgLatencyMs), domain.SeverityLow)
	}

	for _, agent := range retryStorms(s.Errors, t.RetryStorm) {
		out.add(domain.DirectivePauseAgent, agent.name,
			fmt.Sprintf("retry storm: %d retried errors", agent.count), domain.SeverityHigh)
	}

	for _, st := range s.AgentStats {
		if st.Runs == 0 || st.AgentType == "" {
			continue
		}
		switch {
		case st.SuccessRate < t.PauseBelow:
			out.add(domain.DirectivePauseAgent, st.AgentType,
				fmt.Sprintf("success rate %.0f%%", st.SuccessRate*100), domain.SeverityHigh)
		case st.SuccessRate < t.ChronicBelow && len(st.ErrorPatterns) > 0:
			out.add(domain.DirectiveReduceTokens, st.AgentType,
				fmt.Sprintf("chronic failures (success rate %.0f%%): %s", st.SuccessRate*100, st.ErrorPatterns[0]),
				domain.SeverityLow)
		}
	}
	return out.list
}

type directives struct {
	list []domain.ThrottleDirective
}

func (d *directives) add(typ domain.DirectiveType, target, reason string, sev domain.Severity) {
	for i, existing := range d.list {
		if existing.Type == typ && existing.Target == target {
			if sev.Rank() > existing.Severity.Rank() {
				d.list[i].Severity = sev
				d.list[i].Reason = reason
			}
			return
		}
	}
	d.list = append(d.list, domain.ThrottleDirective{Type: typ, Target: target, Reason: reason, Severity: sev})
}

type stormAgent struct {
	name  string
	count int
}

// retryStorms: агенты с threshold и более retry-ошибками, по имени.
func retryStorms(events []domain.ErrorEvent, threshold int) []stormAgent {
	counts := make(map[string]int)
	for _, e := range events {
		if e.Retry && e.AgentType != "" {
			counts[e.AgentType]++
		}
	}
	var out []stormAgent
	for name, n := range counts {
		if n >= threshold {
			out = append(out, stormAgent{name: name, count: n})
		}
	}
	slices.SortFunc(out, func(a, b stormAgent) int { return cmp.Compare(a.name, b.name) })
	return out
}
