package policy

/*
Policy Store Adapter. Горячий путь классификатора читает политику из RAM;
Postgres опрашивается при промахе или по истечении TTL записи кэша.

Отсутствие строки тенанта: не ошибка: возвращается domain.DefaultPolicy
(автопилот выключен). Ошибка чтения или битая политика: ConfigurationError,
и классификатор уводит весь батч в pending.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
)

// Repository: долговременное хранилище политик.
type Repository interface {
	GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error)
	UpsertTenantPolicy(ctx context.Context, p *domain.TenantPolicy) error
	SetFrozen(ctx context.Context, tenantID string, frozen bool, reason string) error
	FreezeAll(ctx context.Context, reason string) (int64, error)
}

type cached struct {
	policy   domain.TenantPolicy
	loadedAt time.Time
}

type Store struct {
	mu      sync.RWMutex
	cache   map[string]cached
	repo    Repository
	rdb     redis.UniversalClient // nil: без широковещательной инвалидации
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

type Options struct {
	TTL     time.Duration
	Timeout time.Duration
}

func NewStore(repo Repository, rdb redis.UniversalClient, opts Options, logger *zap.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Store{
		cache:   make(map[string]cached),
		repo:    repo,
		rdb:     rdb,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		now:     time.Now,
		logger:  logger.Named("policy"),
	}
}

// Get возвращает действующую политику тенанта.
func (s *Store) Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error) {
	s.mu.RLock()
	c, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && s.now().Sub(c.loadedAt) < s.ttl {
		return c.policy, nil
	}

	tCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.repo.GetTenantPolicy(tCtx, tenantID)
	if err != nil {
		return domain.TenantPolicy{}, &domain.ConfigurationError{TenantID: tenantID, Reason: "policy read failed", Err: err}
	}

	var policy domain.TenantPolicy
	if p == nil {
		policy = domain.DefaultPolicy(tenantID)
		s.logger.Debug("no policy row, using conservative default", zap.String("tenant_id", tenantID))
	} else {
		policy = *p
		if err := policy.Validate(); err != nil {
			return domain.TenantPolicy{}, err
		}
	}

	s.mu.Lock()
	s.cache[tenantID] = cached{policy: policy, loadedAt: s.now()}
	s.mu.Unlock()
	return policy, nil
}

// Update сохраняет политику, изменённую администратором тенанта.
func (s *Store) Update(ctx context.Context, p domain.TenantPolicy) error {
	p.Fallback = false
	if err := p.Validate(); err != nil {
		return err
	}
	tCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.UpsertTenantPolicy(tCtx, &p); err != nil {
		return fmt.Errorf("policy: update %s: %w", p.TenantID, err)
	}
	s.invalidate(ctx, p.TenantID)
	return nil
}

// Freeze выполняет директиву freeze_autopilot для одного тенанта.
func (s *Store) Freeze(ctx context.Context, tenantID, reason string) error {
	return s.setFrozen(ctx, tenantID, true, reason)
}

func (s *Store) Unfreeze(ctx context.Context, tenantID string) error {
	return s.setFrozen(ctx, tenantID, false, "")
}

func (s *Store) setFrozen(ctx context.Context, tenantID string, frozen bool, reason string) error {
	tCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.SetFrozen(tCtx, tenantID, frozen, reason); err != nil {
		return fmt.Errorf("policy: set frozen=%t for %s: %w", frozen, tenantID, err)
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// FreezeAll замораживает автопилот всех тенантов (глобальная директива).
func (s *Store) FreezeAll(ctx context.Context, reason string) (int64, error) {
	tCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.FreezeAll(tCtx, reason)
	if err != nil {
		return 0, fmt.Errorf("policy: freeze all: %w", err)
	}
	s.invalidate(ctx, "*")
	s.logger.Warn("autopilot frozen for all tenants", zap.Int64("tenants", n), zap.String("reason", reason))
	return n, nil
}

// Invalidate сбрасывает кэш тенанта. "*" сбрасывает всё.
func (s *Store) Invalidate(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenantID == "*" {
		s.cache = make(map[string]cached)
		return
	}
	delete(s.cache, tenantID)
}

// invalidate сбрасывает локальный кэш и оповещает остальные инстансы.
func (s *Store) invalidate(ctx context.Context, tenantID string) {
	s.Invalidate(tenantID)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, tenantID).Err(); err != nil {
		// Остальные инстансы подхватят изменение по TTL
		s.logger.Warn("policy update signal failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// StartListener слушает инвалидации от других инстансов.
func (s *Store) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanPolicyUpdate,
		func() error { s.Invalidate("*"); return nil },
		func(tenantID string) { s.Invalidate(tenantID) },
	)
}
