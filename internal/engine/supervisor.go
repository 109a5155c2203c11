package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/health"
)

// MetricsSource: агрегаты вызовов LLM за окно (postgres.Repo).
type MetricsSource interface {
	SystemMetrics(ctx context.Context, since, now time.Time) (domain.SystemMetrics, error)
	TenantMetrics(ctx context.Context, since time.Time) (map[string]domain.SystemMetrics, error)
	AgentRunStats(ctx context.Context, since time.Time) ([]domain.AgentRunStats, error)
	RecentErrors(ctx context.Context, since time.Time, limit int) ([]domain.ErrorEvent, error)
}

type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context, now time.Time) (int64, error)
}

type PolicyReader interface {
	Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error)
}

type SnapshotReader interface {
	Snapshot(ctx context.Context, tenantID string) (domain.QuotaSnapshot, error)
}

// DirectiveSink: куда уходят рекомендации (DirectiveApplier).
type DirectiveSink interface {
	Apply(ctx context.Context, directives []domain.ThrottleDirective) []AppliedDirective
}

type SupervisorOptions struct {
	Interval    time.Duration
	Window      time.Duration
	ErrorsLimit int
	// StoreTimeout: дедлайн каждой фазы цикла (сбор метрик, квоты тенанта,
	// истечение заявок). По умолчанию Interval, чтобы зависший Postgres не
	// растягивал цикл дольше тика.
	StoreTimeout time.Duration
	Thresholds   health.Thresholds
}

// Report: итог одного цикла. Пишется только в память, наружу отдается через Last.
type Report struct {
	At         time.Time                       `json:"at"`
	Metrics    domain.SystemMetrics            `json:"metrics"` // concurrent_runs из леджера
	System     domain.HealthVerdict            `json:"system"`
	Tenants    map[string]domain.HealthVerdict `json:"tenants,omitempty"`
	Directives []domain.ThrottleDirective      `json:"directives"`
	Applied    []AppliedDirective              `json:"applied,omitempty"`
	Expired    int64                           `json:"expired_approvals"`
}

// Supervisor периодически оценивает здоровье платформы и тенантов,
// применяет директивы и закрывает просроченные заявки на одобрение.
type Supervisor struct {
	source    MetricsSource
	policies  PolicyReader
	snapshots SnapshotReader
	applier   DirectiveSink
	approvals ApprovalExpirer
	metrics   *Metrics
	opts      SupervisorOptions
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Report
}

func NewSupervisor(
	source MetricsSource,
	policies PolicyReader,
	snapshots SnapshotReader,
	applier DirectiveSink,
	approvals ApprovalExpirer,
	metrics *Metrics,
	opts SupervisorOptions,
	logger *zap.Logger,
) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.ErrorsLimit <= 0 {
		opts.ErrorsLimit = 200
	}
	if opts.StoreTimeout <= 0 || opts.StoreTimeout > opts.Interval {
		opts.StoreTimeout = opts.Interval
	}
	if opts.Thresholds == (health.Thresholds{}) {
		opts.Thresholds = health.DefaultThresholds
	}
	return &Supervisor{
		source:    source,
		policies:  policies,
		snapshots: snapshots,
		applier:   applier,
		approvals: approvals,
		metrics:   metrics,
		opts:      opts,
		now:       time.Now,
		logger:    logger.Named("supervisor"),
	}
}

// Start запускает цикл. Повторный вызов без Stop ничего не делает.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop останавливает цикл и ждет завершения текущего тика. После Stop можно снова вызвать Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("supervisor started", zap.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("supervisor tick failed", zap.Error(err))
			}
		}
	}
}

// Last: отчет последнего успешного цикла, nil до первого тика.
func (s *Supervisor) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type collected struct {
	system  domain.SystemMetrics
	tenants map[string]domain.SystemMetrics
	agents  []domain.AgentRunStats
	errors  []domain.ErrorEvent
}

// Tick выполняет один цикл оценки. Без метрик цикл пропускается целиком:
// директивы по неполным данным не выдаются.
func (s *Supervisor) Tick(ctx context.Context) (*Report, error) {
	now := s.now().UTC()
	since := now.Add(-s.opts.Window)

	data, err := s.collect(ctx, since, now)
	if err != nil {
		s.tickDone("error")
		return nil, err
	}

	rep := &Report{At: now, Tenants: make(map[string]domain.HealthVerdict, len(data.tenants))}

	var tenantDirectives []domain.ThrottleDirective
	for _, tenantID := range slices.Sorted(maps.Keys(data.tenants)) {
		usage, runs := s.tenantQuota(ctx, tenantID)
		m := data.tenants[tenantID]
		m.ConcurrentRuns = runs
		data.system.ConcurrentRuns += runs

		v := s.opts.Thresholds.Evaluate(health.Input{Metrics: m, QuotaUsage: usage})
		rep.Tenants[tenantID] = v
		tenantDirectives = append(tenantDirectives,
			s.opts.Thresholds.Recommend(v, health.Signals{Tenant: tenantID})...)
	}

	// Платформа: квоты платформы нет, только ошибки и латентность
	rep.Metrics = data.system
	rep.System = s.opts.Thresholds.Evaluate(health.Input{Metrics: data.system})
	rep.Directives = s.opts.Thresholds.Recommend(rep.System, health.Signals{
		AgentStats: data.agents,
		Errors:     data.errors,
	})
	rep.Directives = append(rep.Directives, tenantDirectives...)

	if len(rep.Directives) > 0 {
		rep.Applied = s.applier.Apply(ctx, rep.Directives)
	}

	eCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	expired, err := s.approvals.ExpireApprovals(eCtx, now)
	cancel()
	if err != nil {
		s.logger.Error("approval expiry failed", zap.Error(err))
	}
	rep.Expired = expired

	if s.metrics != nil {
		s.metrics.ObserveVerdict(rep.System)
	}
	s.tickDone("ok")

	s.logger.Info("health evaluated",
		zap.String("overall", string(rep.System.Overall)),
		zap.Int("tenants", len(rep.Tenants)),
		zap.Int("directives", len(rep.Directives)),
		zap.Int64("expired_approvals", rep.Expired))

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Supervisor) collect(ctx context.Context, since, now time.Time) (collected, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	var c collected
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		c.system, err = s.source.SystemMetrics(gctx, since, now)
		return err
	})
	g.Go(func() (err error) {
		c.tenants, err = s.source.TenantMetrics(gctx, since)
		return err
	})
	g.Go(func() (err error) {
		c.agents, err = s.source.AgentRunStats(gctx, since)
		return err
	})
	g.Go(func() (err error) {
		c.errors, err = s.source.RecentErrors(gctx, since, s.opts.ErrorsLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		return collected{}, fmt.Errorf("supervisor: collect metrics: %w", err)
	}
	return c, nil
}

// tenantQuota: доля израсходованной квоты и занятые слоты по леджеру.
// Без политики или снапшота квота считается неизвестной (0).
func (s *Supervisor) tenantQuota(ctx context.Context, tenantID string) (float64, int64) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	snap, err := s.snapshots.Snapshot(ctx, tenantID)
	if err != nil {
		s.logger.Warn("quota snapshot unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, 0
	}
	p, err := s.policies.Get(ctx, tenantID)
	if err != nil {
		s.logger.Warn("policy unavailable for health check", zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, snap.ConcurrentRuns
	}
	return snap.UsageRatio(p), snap.ConcurrentRuns
}

func (s *Supervisor) tickDone(status string) {
	if s.metrics != nil {
		s.metrics.SupervisorTicks.WithLabelValues(status).Inc()
	}
}
