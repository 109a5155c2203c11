package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/governor/internal/domain"
)

// WriteBatch вставляет пачку аудита одной транзакцией. Вызывается воркером AgentFS.
func (r *Repo) WriteBatch(ctx context.Context, actions []domain.AutomatedAction, events []domain.SystemEvent) error {
	if len(actions) == 0 && len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin audit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(actions) > 0 {
		query, vals := buildActionsInsert(actions)
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("postgres: insert automated actions: %w", err)
		}
	}
	if len(events) > 0 {
		query, vals := buildEventsInsert(events)
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("postgres: insert system events: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit audit tx: %w", err)
	}
	return nil
}

// placeholders строит "($1, $2, ...),($n+1, ...)" для пакетной вставки.
func placeholders(rows, fields int) string {
	var b strings.Builder
	for i := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for j := range fields {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*fields+j+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func buildActionsInsert(actions []domain.AutomatedAction) (string, []any) {
	const numFields = 9
	vals := make([]any, 0, len(actions)*numFields)
	for _, a := range actions {
		payload := []byte(a.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		vals = append(vals,
			a.ID, a.TraceID, a.TenantID, a.ActionID, a.AgentType, a.Category, a.Reason, payload, a.CreatedAt,
		)
	}
	query := "INSERT INTO automated_actions (id, trace_id, tenant_id, action_id, agent_type, category, reason, payload, created_at) VALUES " +
		placeholders(len(actions), numFields)
	return query, vals
}

func buildEventsInsert(events []domain.SystemEvent) (string, []any) {
	const numFields = 7
	vals := make([]any, 0, len(events)*numFields)
	for _, e := range events {
		var details []byte
		if len(e.Details) > 0 {
			details, _ = json.Marshal(e.Details)
		}
		vals = append(vals, e.ID, e.TraceID, e.TenantID, e.Kind, e.Message, details, e.CreatedAt)
	}
	query := "INSERT INTO system_events (id, trace_id, tenant_id, kind, message, details, created_at) VALUES " +
		placeholders(len(events), numFields)
	return query, vals
}
