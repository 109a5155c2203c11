package postgres

/*
Файл approval_repo.go: очередь ручной проверки (Human-in-the-loop).
Решение человека: отдельная запись поверх заявки, исходное решение классификатора не переписывается.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/governor/internal/domain"
)

const approvalColumns = `id, tenant_id, action_id, agent_type, category, reason, payload, status,
	reviewer_id, comment, created_at, expires_at, updated_at`

// Enqueue создает заявку со сроком жизни. Вызывается через sink с таймаутом.
func (r *Repo) Enqueue(ctx context.Context, e *domain.ApprovalEntry) error {
	query := `
		INSERT INTO approval_queue (id, tenant_id, action_id, agent_type, category, reason, payload, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $9)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.TenantID, e.ActionID, e.AgentType, e.Category, e.Reason, []byte(e.Payload),
		string(e.Status), e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue approval: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*domain.ApprovalEntry, error) {
	var (
		e                   domain.ApprovalEntry
		payload             []byte
		status              string
		reviewerID, comment sql.NullString // Используем для обработки NULL из БД
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.ActionID, &e.AgentType, &e.Category, &e.Reason,
		&payload, &status, &reviewerID, &comment,
		&e.CreatedAt, &e.ExpiresAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Status = domain.ApprovalStatus(status)
	if reviewerID.Valid {
		val := reviewerID.String
		e.ReviewerID = &val
	}
	if comment.Valid {
		val := comment.String
		e.Comment = &val
	}
	return &e, nil
}

// GetApproval возвращает nil без ошибки, если заявки нет.
func (r *Repo) GetApproval(ctx context.Context, id string) (*domain.ApprovalEntry, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_queue WHERE id = $1`

	e, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get approval: %w", err)
	}
	return e, nil
}

// FindApprovals делает выборку очереди тенанта. Пустой status означает все статусы.
func (r *Repo) FindApprovals(ctx context.Context, tenantID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_queue WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalEntry, 0)
	for rows.Next() {
		e, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// DecideApproval атомарно фиксирует решение человека.
// Условие WHERE status = 'PENDING' исключает двойное решение, истекшие заявки не принимаются.
func (r *Repo) DecideApproval(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string, now time.Time) (*domain.ApprovalEntry, error) {
	if status != domain.StatusApproved && status != domain.StatusRejected {
		return nil, domain.ErrInvalidTransition
	}

	query := `
		UPDATE approval_queue
		SET status = $1,
		    reviewer_id = $2,
		    comment = $3,
		    updated_at = $4
		WHERE id = $5 AND status = 'PENDING' AND expires_at > $4
		RETURNING ` + approvalColumns

	e, err := scanApproval(r.db.QueryRowContext(ctx, query, string(status), reviewerID, comment, now, id))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: decide approval: %w", err)
	}

	// Строк не найдено: разбираемся, почему именно
	current, gerr := r.GetApproval(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if current == nil {
		return nil, nil
	}
	if terr := current.CanTransitionTo(status, now); terr != nil {
		return nil, terr
	}
	return nil, domain.ErrAlreadyProcessed
}

// ExpireApprovals переводит просроченные заявки в EXPIRED.
func (r *Repo) ExpireApprovals(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE approval_queue SET status = 'EXPIRED', updated_at = $1
	          WHERE status = 'PENDING' AND expires_at <= $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
