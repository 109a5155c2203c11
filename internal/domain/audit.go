package domain

import (
	"encoding/json"
	"time"
)

// AutomatedAction: запись журнала об автоматически одобренном действии.
type AutomatedAction struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	TenantID  string          `json:"tenant_id"`
	ActionID  string          `json:"action_id"`
	AgentType string          `json:"agent_type"`
	Category  string          `json:"category"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SystemEvent: сбой или значимое событие плоскости управления (недоступность хранилища, директивы).
type SystemEvent struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	EventQueueWriteFailed = "queue_write_failed"
	EventAuditDropped     = "audit_dropped"
	EventPolicyFallback   = "policy_fallback"
	EventDirectiveApplied = "directive_applied"
	EventLedgerFailed     = "ledger_write_failed"
	EventApprovalDecided  = "approval_decided"
	EventPolicyUpdated    = "policy_updated"
	EventFreezeChanged    = "freeze_changed"
)
