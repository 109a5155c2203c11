package postgres

/*
Файл policy_repo.go отвечает за долговременное хранение политик автопилота.
Проверка выполняется в RAM (policy.Store), сюда приходим только при промахе кэша.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/governor/internal/domain"
)

const policyColumns = `tenant_id, enabled, allowed_categories, risk_ceiling, max_actions_per_week,
	max_daily_budget, monthly_token_budget, max_requests_per_minute, max_concurrent_runs,
	frozen, frozen_reason, updated_at`

// GetTenantPolicy возвращает nil без ошибки, если тенант еще не настроен.
func (r *Repo) GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM tenant_policies WHERE tenant_id = $1`

	var (
		p          domain.TenantPolicy
		categories []byte
		ceiling    string
	)
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&p.TenantID,
		&p.Enabled,
		&categories,
		&ceiling,
		&p.MaxActionsPerWeek,
		&p.MaxDailyBudget,
		&p.Limits.MonthlyTokenBudget,
		&p.Limits.MaxRequestsPerMinute,
		&p.Limits.MaxConcurrentRuns,
		&p.Frozen,
		&p.FrozenReason,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get tenant policy: %w", err)
	}

	p.RiskCeiling = domain.RiskLevel(ceiling)
	if err := json.Unmarshal(categories, &p.AllowedCategories); err != nil {
		return nil, &domain.ConfigurationError{TenantID: tenantID, Reason: "malformed allowed_categories", Err: err}
	}
	return &p, nil
}

// UpsertTenantPolicy сохраняет решение администратора. Флаг заморозки не трогаем:
// им управляет супервизор через SetFrozen.
func (r *Repo) UpsertTenantPolicy(ctx context.Context, p *domain.TenantPolicy) error {
	categories, err := json.Marshal(p.AllowedCategories)
	if err != nil {
		return fmt.Errorf("postgres: encode categories: %w", err)
	}

	query := `
		INSERT INTO tenant_policies (tenant_id, enabled, allowed_categories, risk_ceiling, max_actions_per_week,
			max_daily_budget, monthly_token_budget, max_requests_per_minute, max_concurrent_runs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			allowed_categories = EXCLUDED.allowed_categories,
			risk_ceiling = EXCLUDED.risk_ceiling,
			max_actions_per_week = EXCLUDED.max_actions_per_week,
			max_daily_budget = EXCLUDED.max_daily_budget,
			monthly_token_budget = EXCLUDED.monthly_token_budget,
			max_requests_per_minute = EXCLUDED.max_requests_per_minute,
			max_concurrent_runs = EXCLUDED.max_concurrent_runs,
			updated_at = NOW()`

	_, err = r.db.ExecContext(ctx, query,
		p.TenantID, p.Enabled, categories, string(p.RiskCeiling), p.MaxActionsPerWeek,
		p.MaxDailyBudget, p.Limits.MonthlyTokenBudget, p.Limits.MaxRequestsPerMinute, p.Limits.MaxConcurrentRuns,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert tenant policy: %w", err)
	}
	return nil
}

// SetFrozen ставит или снимает заморозку. Для тенанта без строки создается
// консервативная строка по умолчанию, чтобы заморозка не потерялась.
func (r *Repo) SetFrozen(ctx context.Context, tenantID string, frozen bool, reason string) error {
	query := `
		INSERT INTO tenant_policies (tenant_id, frozen, frozen_reason, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			frozen = EXCLUDED.frozen,
			frozen_reason = EXCLUDED.frozen_reason,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, tenantID, frozen, reason); err != nil {
		return fmt.Errorf("postgres: set frozen: %w", err)
	}
	return nil
}

// FreezeAll замораживает автопилот у всех тенантов, где он включен.
func (r *Repo) FreezeAll(ctx context.Context, reason string) (int64, error) {
	query := `UPDATE tenant_policies SET frozen = TRUE, frozen_reason = $1, updated_at = NOW()
	          WHERE enabled = TRUE AND frozen = FALSE`

	res, err := r.db.ExecContext(ctx, query, reason)
	if err != nil {
		return 0, fmt.Errorf("postgres: freeze all: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
