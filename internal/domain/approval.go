package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы State Machine очереди апрувов
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusExpired  ApprovalStatus = "EXPIRED"
)

// ApprovalTTL: срок жизни заявки в очереди.
const ApprovalTTL = 7 * 24 * time.Hour

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
	ErrApprovalExpired   = errors.New("approval request expired")
)

// ApprovalEntry: заявка на ручную проверку pending-действия.
// Payload хранит действие целиком, чтобы оператор видел то же, что видел классификатор.
type ApprovalEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	ActionID  string          `json:"action_id"`
	AgentType string          `json:"agent_type"`
	Category  string          `json:"category"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	Status    ApprovalStatus  `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalEntry) CanTransitionTo(next ApprovalStatus, now time.Time) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	if next != StatusExpired && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
		return ErrApprovalExpired
	}
	return nil
}
