package classifier

import (
	"fmt"

	"github.com/xela07ax/governor/internal/domain"
)

// Input: всё, что нужно правилу для решения по одному действию.
type Input struct {
	Action          domain.CandidateAction
	Policy          domain.TenantPolicy
	Category        string
	ActionsThisWeek int64
}

// Rule: одна строка таблицы. Match возвращает false, если правило не применимо.
type Rule struct {
	Name  string
	Match func(in Input) (domain.Outcome, string, bool)
}

const (
	RuleAutopilotOff     = "autopilot_off"
	RuleCategory         = "category_not_allowed"
	RuleRiskCeiling      = "risk_ceiling"
	RuleWeeklyCap        = "weekly_cap"
	RuleApprovalRequired = "approval_required"
	RuleDefault          = "default_allow"

	// Служебные причины вне таблицы
	RuleInvalidAction     = "invalid_action"
	RulePolicyUnavailable = "policy_unavailable"
	RuleLedgerUnavailable = "ledger_unavailable"
)

// Rules: порядок строк является контрактом, первое сработавшее правило решает,
// а каждое следующее полагается на то, что предыдущие не сработали.
var Rules = []Rule{
	{Name: RuleAutopilotOff, Match: autopilotOff},
	{Name: RuleCategory, Match: categoryNotAllowed},
	{Name: RuleRiskCeiling, Match: riskAboveCeiling},
	{Name: RuleWeeklyCap, Match: weeklyCapReached},
	{Name: RuleApprovalRequired, Match: approvalRequired},
	{Name: RuleDefault, Match: allowByDefault},
}

// Evaluate прогоняет действие по таблице. Последнее правило таблицы обязано срабатывать всегда.
func Evaluate(rules []Rule, in Input) domain.Decision {
	for _, r := range rules {
		if outcome, reason, ok := r.Match(in); ok {
			return domain.Decision{ActionID: in.Action.ID, Outcome: outcome, Reason: reason, Rule: r.Name}
		}
	}
	return domain.Decision{
		ActionID: in.Action.ID,
		Outcome:  domain.OutcomePendingApproval,
		Reason:   "no rule matched",
	}
}

func autopilotOff(in Input) (domain.Outcome, string, bool) {
	if in.Policy.AutopilotActive() {
		return "", "", false
	}
	if in.Action.Type == domain.ActionAutoSafe && in.Action.Impact == domain.RiskLow {
		return domain.OutcomeAutoApproved, "low-impact auto-safe action allowed despite autopilot off", true
	}
	if in.Policy.Frozen {
		reason := "autopilot frozen by supervisor"
		if in.Policy.FrozenReason != "" {
			reason += ": " + in.Policy.FrozenReason
		}
		return domain.OutcomePendingApproval, reason, true
	}
	return domain.OutcomePendingApproval, "autopilot disabled for tenant", true
}

func categoryNotAllowed(in Input) (domain.Outcome, string, bool) {
	if in.Policy.Allows(in.Category) {
		return "", "", false
	}
	return domain.OutcomePendingApproval, fmt.Sprintf("category %q is not in the autopilot whitelist", in.Category), true
}

func riskAboveCeiling(in Input) (domain.Outcome, string, bool) {
	if !in.Action.Impact.Exceeds(in.Policy.RiskCeiling) {
		return "", "", false
	}
	return domain.OutcomePendingApproval,
		fmt.Sprintf("impact %s exceeds risk ceiling %s", in.Action.Impact, in.Policy.RiskCeiling), true
}

func weeklyCapReached(in Input) (domain.Outcome, string, bool) {
	limit := int64(in.Policy.MaxActionsPerWeek)
	if in.ActionsThisWeek < limit {
		return "", "", false
	}
	return domain.OutcomeBlocked,
		fmt.Sprintf("weekly automated action cap reached (%d/%d)", in.ActionsThisWeek, limit), true
}

func approvalRequired(in Input) (domain.Outcome, string, bool) {
	if in.Action.Type != domain.ActionApprovalRequired {
		return "", "", false
	}
	return domain.OutcomePendingApproval, "action explicitly requires human approval", true
}

func allowByDefault(Input) (domain.Outcome, string, bool) {
	return domain.OutcomeAutoApproved, "within autopilot policy", true
}
