package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/quota"
)

type PolicyReader interface {
	Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error)
}

// PauseChecker: типы агентов, поставленные на паузу директивой pause_agent.
type PauseChecker interface {
	IsPaused(agentType string) bool
}

type Observer interface {
	AdmissionDenied(violation string)
}

// Request: заявка на один вызов LLM.
type Request struct {
	TenantID  string
	AgentType string
	Live      domain.SystemMetrics
}

// Usage: фактическое потребление завершенного вызова.
type Usage struct {
	TenantID string
	RunID    string
	Tokens   int64
	Cost     float64
}

// Шаги закрытия прогона. Слот освобождается последним: пока списание
// не прошло, прогон продолжает занимать место.
const (
	stepTokens  = "tokens"
	stepSpend   = "spend"
	stepRelease = "release"
)

// Gate: сервисная обертка над CheckAdmission. Читает политику и снапшот,
// а при допуске занимает слот параллельного прогона.
type Gate struct {
	policies PolicyReader
	ledger   quota.Ledger
	pauses   PauseChecker
	runs     quota.RunLog
	observer Observer
	timeout  time.Duration
	logger   *zap.Logger
}

func NewGate(policies PolicyReader, ledger quota.Ledger, pauses PauseChecker, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Gate{
		policies: policies,
		ledger:   ledger,
		pauses:   pauses,
		timeout:  timeout,
		logger:   logger.Named("admission"),
	}
}

func (g *Gate) WithObserver(o Observer) *Gate {
	g.observer = o
	return g
}

// WithRuns включает run_id: Admit выдает его, Finish без него не принимается
// и по нему становится идемпотентным.
func (g *Gate) WithRuns(r quota.RunLog) *Gate {
	g.runs = r
	return g
}

// Admit решает, можно ли выполнить вызов. Ошибка хранилища закрывает вход:
// состояние квот неизвестно, и платформа не тратит деньги вслепую.
func (g *Gate) Admit(ctx context.Context, req Request) (domain.AdmissionResult, error) {
	if req.TenantID == "" {
		return domain.AdmissionResult{}, fmt.Errorf("%w: tenant_id is required", domain.ErrSchema)
	}

	tCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.pauses != nil && req.AgentType != "" && g.pauses.IsPaused(req.AgentType) {
		return g.denied(req, g.pausedDenial(tCtx, req)), nil
	}

	policy, err := g.policies.Get(tCtx, req.TenantID)
	if err != nil {
		return g.denied(req, deny(ViolationUnavailable, RetryConcurrency, "tenant policy unavailable")), err
	}
	snap, err := g.ledger.Snapshot(tCtx, req.TenantID)
	if err != nil {
		return g.denied(req, deny(ViolationUnavailable, RetryConcurrency, "quota ledger unavailable")), err
	}

	res := CheckAdmission(snap, policy, req.Live)
	if !res.Allowed {
		return g.denied(req, res), nil
	}

	// Слот занимаем атомарно: параллельные Admit не проскочат лимит вдвоем
	if limit := policy.Limits.MaxConcurrentRuns; limit > 0 {
		v, applied, err := g.ledger.ConsumeCapped(tCtx, req.TenantID, domain.CounterConcurrentRuns, 1, float64(limit))
		if err != nil {
			return g.denied(req, deny(ViolationUnavailable, RetryConcurrency, "quota ledger unavailable")), err
		}
		if !applied {
			return g.denied(req, deny(ViolationConcurrency, RetryConcurrency,
				fmt.Sprintf("concurrent runs limit reached (%d/%d)", int64(v), limit))), nil
		}
	} else if _, err := g.ledger.Consume(tCtx, req.TenantID, domain.CounterConcurrentRuns, 1); err != nil {
		return g.denied(req, deny(ViolationUnavailable, RetryConcurrency, "quota ledger unavailable")), err
	}

	if _, err := g.ledger.Consume(tCtx, req.TenantID, domain.CounterRequestsMinute, 1); err != nil {
		// Слот уже занят, запрос пропускаем: минутный счетчик догонится следующими вызовами
		g.logger.Warn("requests counter not updated", zap.String("tenant_id", req.TenantID), zap.Error(err))
	}

	if g.runs != nil {
		res.RunID = uuid.NewString()
		if err := g.runs.Open(tCtx, req.TenantID, res.RunID); err != nil {
			// Без записи прогона закрыть его будет нечем, слот возвращаем сразу
			if _, rerr := g.ledger.Release(tCtx, req.TenantID, domain.CounterConcurrentRuns, 1); rerr != nil {
				g.logger.Error("run slot leaked", zap.String("tenant_id", req.TenantID), zap.Error(rerr))
			}
			return g.denied(req, deny(ViolationUnavailable, RetryConcurrency, "run log unavailable")), err
		}
	}
	return res, nil
}

// pausedDenial: если квоты тенанта уже исчерпаны на более долгий срок,
// клиенту отдается их отказ, иначе он вернется через минуту впустую.
// Недоступное хранилище здесь не ошибка: агент все равно на паузе.
func (g *Gate) pausedDenial(ctx context.Context, req Request) domain.AdmissionResult {
	paused := deny(ViolationAgentPaused, RetryPerMinute,
		fmt.Sprintf("agent type %s is paused by supervisor", req.AgentType))

	policy, err := g.policies.Get(ctx, req.TenantID)
	if err != nil {
		return paused
	}
	snap, err := g.ledger.Snapshot(ctx, req.TenantID)
	if err != nil {
		return paused
	}
	if res := CheckAdmission(snap, policy, req.Live); !res.Allowed && res.RetryAfterSeconds > paused.RetryAfterSeconds {
		return res
	}
	return paused
}

// Finish списывает фактические токены и стоимость и освобождает слот прогона.
// С WithRuns каждый шаг применяется ровно один раз на run_id: повтор после
// частичного сбоя доделывает только то, что не прошло.
func (g *Gate) Finish(ctx context.Context, u Usage) error {
	if u.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrSchema)
	}
	if g.runs != nil && u.RunID == "" {
		return fmt.Errorf("%w: run_id is required", domain.ErrSchema)
	}

	tCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	for _, step := range []string{stepTokens, stepSpend, stepRelease} {
		if err := g.finishStep(tCtx, u, step); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) finishStep(ctx context.Context, u Usage, step string) error {
	var apply func() error
	switch step {
	case stepTokens:
		if u.Tokens <= 0 {
			return nil
		}
		apply = func() error {
			_, err := g.ledger.Consume(ctx, u.TenantID, domain.CounterTokensMonth, float64(u.Tokens))
			return err
		}
	case stepSpend:
		if u.Cost <= 0 {
			return nil
		}
		apply = func() error {
			_, err := g.ledger.Consume(ctx, u.TenantID, domain.CounterSpendDay, u.Cost)
			return err
		}
	default:
		apply = func() error {
			_, err := g.ledger.Release(ctx, u.TenantID, domain.CounterConcurrentRuns, 1)
			return err
		}
	}

	if g.runs == nil {
		if err := apply(); err != nil {
			return fmt.Errorf("admission: %s: %w", step, err)
		}
		return nil
	}

	claimed, err := g.runs.Claim(ctx, u.TenantID, u.RunID, step)
	if err != nil {
		return fmt.Errorf("admission: run %s: %w", u.RunID, err)
	}
	if !claimed {
		return nil
	}
	if err := apply(); err != nil {
		if uerr := g.runs.Unclaim(ctx, u.TenantID, u.RunID, step); uerr != nil {
			g.logger.Error("finish step stays claimed after failure",
				zap.String("run_id", u.RunID), zap.String("step", step), zap.Error(uerr))
		}
		return fmt.Errorf("admission: %s: %w", step, err)
	}
	return nil
}

func (g *Gate) denied(req Request, res domain.AdmissionResult) domain.AdmissionResult {
	if g.observer != nil {
		g.observer.AdmissionDenied(res.Violation)
	}
	g.logger.Info("admission denied",
		zap.String("tenant_id", req.TenantID),
		zap.String("agent_type", req.AgentType),
		zap.String("violation", res.Violation),
		zap.Int("retry_after", res.RetryAfterSeconds))
	return res
}
