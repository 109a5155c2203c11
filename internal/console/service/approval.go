package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/audit"
	"github.com/xela07ax/governor/internal/domain"
)

// ApprovalRepository: очередь ручных проверок в хранилище.
type ApprovalRepository interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalEntry, error)
	FindApprovals(ctx context.Context, tenantID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalEntry, error)
	DecideApproval(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string, now time.Time) (*domain.ApprovalEntry, error)
}

var ErrNotFound = errors.New("not found")

type ApprovalService struct {
	repo    ApprovalRepository
	auditor audit.Auditor
	now     func() time.Time
	logger  *zap.Logger
}

func NewApprovalService(repo ApprovalRepository, auditor audit.Auditor, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{repo: repo, auditor: auditor, now: time.Now, logger: logger.Named("approvals")}
}

func (s *ApprovalService) Get(ctx context.Context, id string) (*domain.ApprovalEntry, error) {
	e, err := s.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *ApprovalService) List(ctx context.Context, tenantID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalEntry, error) {
	return s.repo.FindApprovals(ctx, tenantID, status, limit)
}

// Decide переводит заявку в APPROVED или REJECTED. Решение оператора пишется в журнал событий.
func (s *ApprovalService) Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) (*domain.ApprovalEntry, error) {
	status := domain.StatusRejected
	if approved {
		status = domain.StatusApproved
	}

	e, err := s.repo.DecideApproval(ctx, id, status, reviewerID, comment, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}

	s.auditor.LogEvent(domain.SystemEvent{
		TenantID: e.TenantID,
		Kind:     domain.EventApprovalDecided,
		Message:  fmt.Sprintf("action %s %s", e.ActionID, status),
		Details: map[string]any{
			"approval_id": e.ID,
			"reviewer_id": reviewerID,
			"status":      string(status),
		},
	})
	s.logger.Info("approval decided",
		zap.String("approval_id", e.ID),
		zap.String("tenant_id", e.TenantID),
		zap.String("status", string(status)))
	return e, nil
}
