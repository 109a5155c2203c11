package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/governor/internal/domain"
)

// maxErrorPatterns: сколько разных текстов ошибок агента отдаем рекомендателю.
const maxErrorPatterns = 3

// RecordCall пишет итог вызова LLM. id совпадает с run_id, повторный
// отчет о том же прогоне не дублирует строку.
func (r *Repo) RecordCall(ctx context.Context, c domain.CallRecord) error {
	status := "ok"
	if !c.OK {
		status = "error"
	}
	query := `
		INSERT INTO llm_calls (id, tenant_id, agent_type, status, tokens, cost, latency_ms, retry, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.AgentType, status, c.Tokens, c.Cost, c.LatencyMs, c.Retry, c.Error, c.At)
	if err != nil {
		return fmt.Errorf("postgres: record llm call: %w", err)
	}
	return nil
}

// SystemMetrics агрегирует вызовы платформы за окно [since, now].
func (r *Repo) SystemMetrics(ctx context.Context, since, now time.Time) (domain.SystemMetrics, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status <> 'ok'),
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0),
			COUNT(*) FILTER (WHERE created_at > $2)
		FROM llm_calls
		WHERE created_at > $1`

	var m domain.SystemMetrics
	err := r.db.QueryRowContext(ctx, query, since, now.Add(-time.Minute)).Scan(
		&m.TotalRequests, &m.FailedRequests, &m.TotalTokens, &m.TotalCost, &m.AvgLatencyMs, &m.RequestsThisMinute,
	)
	if err != nil {
		return domain.SystemMetrics{}, fmt.Errorf("postgres: system metrics: %w", err)
	}
	return m, nil
}

// TenantMetrics: те же агрегаты в разрезе тенантов, только активные за окно.
func (r *Repo) TenantMetrics(ctx context.Context, since time.Time) (map[string]domain.SystemMetrics, error) {
	query := `
		SELECT
			tenant_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status <> 'ok'),
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM llm_calls
		WHERE created_at > $1
		GROUP BY tenant_id`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: tenant metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.SystemMetrics)
	for rows.Next() {
		var (
			tenantID string
			m        domain.SystemMetrics
		)
		if err := rows.Scan(&tenantID, &m.TotalRequests, &m.FailedRequests, &m.TotalTokens, &m.TotalCost, &m.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("postgres: scan tenant metrics: %w", err)
		}
		out[tenantID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// AgentRunStats: успешность по типам агентов и характерные ошибки.
func (r *Repo) AgentRunStats(ctx context.Context, since time.Time) ([]domain.AgentRunStats, error) {
	query := `
		SELECT
			agent_type,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'ok'),
			COALESCE(JSONB_AGG(DISTINCT error_message) FILTER (WHERE error_message <> ''), '[]'::jsonb)
		FROM llm_calls
		WHERE created_at > $1
		GROUP BY agent_type
		ORDER BY agent_type`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: agent run stats: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AgentRunStats, 0)
	for rows.Next() {
		var (
			s        domain.AgentRunStats
			patterns []byte
		)
		if err := rows.Scan(&s.AgentType, &s.Runs, &s.Successes, &patterns); err != nil {
			return nil, fmt.Errorf("postgres: scan agent stats: %w", err)
		}
		s.Failures = s.Runs - s.Successes
		if s.Runs > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Runs)
		}
		if err := json.Unmarshal(patterns, &s.ErrorPatterns); err != nil {
			return nil, fmt.Errorf("postgres: decode error patterns: %w", err)
		}
		if len(s.ErrorPatterns) > maxErrorPatterns {
			s.ErrorPatterns = s.ErrorPatterns[:maxErrorPatterns]
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// RecentErrors: последние неудачные вызовы, для поиска retry-штормов.
func (r *Repo) RecentErrors(ctx context.Context, since time.Time, limit int) ([]domain.ErrorEvent, error) {
	query := `
		SELECT agent_type, error_message, retry, created_at
		FROM llm_calls
		WHERE status <> 'ok' AND created_at > $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent errors: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ErrorEvent, 0)
	for rows.Next() {
		var e domain.ErrorEvent
		if err := rows.Scan(&e.AgentType, &e.Message, &e.Retry, &e.At); err != nil {
			return nil, fmt.Errorf("postgres: scan error event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
