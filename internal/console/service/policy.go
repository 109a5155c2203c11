package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/audit"
	"github.com/xela07ax/governor/internal/domain"
)

// PolicyStore: кэширующий слой политик (policy.Store). Инвалидацию по Redis делает он сам.
type PolicyStore interface {
	Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error)
	Update(ctx context.Context, p domain.TenantPolicy) error
	Freeze(ctx context.Context, tenantID, reason string) error
	Unfreeze(ctx context.Context, tenantID string) error
}

type PolicyService struct {
	store   PolicyStore
	auditor audit.Auditor
	logger  *zap.Logger
}

func NewPolicyService(store PolicyStore, auditor audit.Auditor, logger *zap.Logger) *PolicyService {
	return &PolicyService{store: store, auditor: auditor, logger: logger.Named("policies")}
}

func (s *PolicyService) Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error) {
	return s.store.Get(ctx, tenantID)
}

// Update сохраняет политику администратора. Заморозку супервизора она не снимает.
func (s *PolicyService) Update(ctx context.Context, p domain.TenantPolicy) (domain.TenantPolicy, error) {
	if err := s.store.Update(ctx, p); err != nil {
		return domain.TenantPolicy{}, err
	}
	s.auditor.LogEvent(domain.SystemEvent{
		TenantID: p.TenantID,
		Kind:     domain.EventPolicyUpdated,
		Message:  "tenant policy updated",
		Details: map[string]any{
			"enabled":              p.Enabled,
			"risk_ceiling":         string(p.RiskCeiling),
			"max_actions_per_week": p.MaxActionsPerWeek,
		},
	})
	return s.store.Get(ctx, p.TenantID)
}

// SetFrozen: ручная заморозка или разморозка автопилота оператором.
func (s *PolicyService) SetFrozen(ctx context.Context, tenantID string, frozen bool, reason string) (domain.TenantPolicy, error) {
	var err error
	if frozen {
		if reason == "" {
			reason = "frozen by operator"
		}
		err = s.store.Freeze(ctx, tenantID, reason)
	} else {
		err = s.store.Unfreeze(ctx, tenantID)
	}
	if err != nil {
		return domain.TenantPolicy{}, fmt.Errorf("set frozen: %w", err)
	}

	s.logger.Warn("autopilot freeze changed by operator",
		zap.String("tenant_id", tenantID), zap.Bool("frozen", frozen), zap.String("reason", reason))
	s.auditor.LogEvent(domain.SystemEvent{
		TenantID: tenantID,
		Kind:     domain.EventFreezeChanged,
		Message:  reason,
		Details:  map[string]any{"frozen": frozen},
	})
	return s.store.Get(ctx, tenantID)
}
