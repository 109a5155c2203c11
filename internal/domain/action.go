package domain

import "strings"

type ActionType string

const (
	ActionRecommendation   ActionType = "recommendation"
	ActionApprovalRequired ActionType = "approval_required"
	ActionAutoSafe         ActionType = "auto_safe"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionRecommendation, ActionApprovalRequired, ActionAutoSafe:
		return true
	}
	return false
}

// CandidateAction: предложение агента. Неизменяемо после генерации.
type CandidateAction struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Category  string     `json:"category,omitempty"` // Заполняется классификатором из каталога агентов
	Type      ActionType `json:"type"`
	Impact    RiskLevel  `json:"impact"`
	Effort    string     `json:"effort,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Risks     []string   `json:"risks,omitempty"`
}

// Validate проверяет только структурные поля, содержимое действия не анализируется.
func (a CandidateAction) Validate() error {
	switch {
	case strings.TrimSpace(a.ID) == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(a.Title) == "":
		return &ValidationError{ActionID: a.ID, Field: "title", Reason: "is required"}
	case a.Type == "":
		return &ValidationError{ActionID: a.ID, Field: "type", Reason: "is required"}
	case !a.Type.Valid():
		return &ValidationError{ActionID: a.ID, Field: "type", Reason: "unknown value " + string(a.Type)}
	case a.Impact == "":
		return &ValidationError{ActionID: a.ID, Field: "impact", Reason: "is required"}
	case !a.Impact.Valid():
		return &ValidationError{ActionID: a.ID, Field: "impact", Reason: "unknown value " + string(a.Impact)}
	}
	return nil
}

type Outcome string

const (
	OutcomeAutoApproved    Outcome = "auto_approved"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeBlocked         Outcome = "blocked"
)

// Decision: результат по одному действию. Не переписывается, решение человека
// по pending-заявке хранится отдельной записью в очереди апрувов.
type Decision struct {
	ActionID string  `json:"action_id"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason"`
	Rule     string  `json:"rule,omitempty"`
	QueueID  string  `json:"queue_id,omitempty"`
}

type DecisionStats struct {
	AutoApproved int `json:"auto_approved"`
	Pending      int `json:"pending"`
	Blocked      int `json:"blocked"`
}

// Tally считает статистику строго по списку решений.
func Tally(decisions []Decision) DecisionStats {
	var s DecisionStats
	for _, d := range decisions {
		switch d.Outcome {
		case OutcomeAutoApproved:
			s.AutoApproved++
		case OutcomePendingApproval:
			s.Pending++
		case OutcomeBlocked:
			s.Blocked++
		}
	}
	return s
}

type DecisionReport struct {
	TenantID  string        `json:"tenant_id"`
	AgentType string        `json:"agent_type"`
	Category  string        `json:"category"`
	Decisions []Decision    `json:"decisions"`
	Stats     DecisionStats `json:"stats"`

	// QuotaRemaining: сколько автоматических действий осталось на текущую неделю.
	QuotaRemaining uint `json:"quota_remaining"`

	// PersistenceFailures: решения приняты, но запись в хранилище не удалась.
	PersistenceFailures int `json:"persistence_failures"`
}
