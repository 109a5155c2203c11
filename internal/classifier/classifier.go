// Package classifier решает судьбу каждого действия, предложенного агентом:
// автоматическое выполнение, ожидание апрува человеком или блокировка.
//
// Батчи одного тенанта обрабатываются строго по одному, в порядке,
// заданном вызывающим. Батчи разных тенантов идут параллельно.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/audit"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
	"github.com/xela07ax/governor/internal/quota"
	"github.com/xela07ax/governor/internal/sink"
)

type PolicyReader interface {
	Get(ctx context.Context, tenantID string) (domain.TenantPolicy, error)
}

type CategoryResolver interface {
	CategoryFor(tenantID, agentType string) string
}

// ApprovalQueue: очередь ручной проверки.
type ApprovalQueue interface {
	Enqueue(ctx context.Context, e *domain.ApprovalEntry) error
}

// Observer учитывает решения (Prometheus в проде).
type Observer interface {
	DecisionRecorded(outcome domain.Outcome, rule string)
}

type Options struct {
	LedgerTimeout time.Duration
	ApprovalTTL   time.Duration
	// Общий дедлайн вставок в очередь апрувов на весь батч
	QueueTimeout     time.Duration
	QueueParallelism int
}

type Classifier struct {
	policies PolicyReader
	ledger   quota.Ledger
	catalog  CategoryResolver
	queue    ApprovalQueue
	auditor  audit.Auditor
	sink     *sink.Sink
	observer Observer
	rules    []Rule
	locks    *tenantLocks
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

func New(
	policies PolicyReader,
	ledger quota.Ledger,
	catalog CategoryResolver,
	queue ApprovalQueue,
	auditor audit.Auditor,
	s *sink.Sink,
	opts Options,
	logger *zap.Logger,
) *Classifier {
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 2 * time.Second
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = domain.ApprovalTTL
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = opts.LedgerTimeout
	}
	if opts.QueueParallelism <= 0 {
		opts.QueueParallelism = 8
	}
	return &Classifier{
		policies: policies,
		ledger:   ledger,
		catalog:  catalog,
		queue:    queue,
		auditor:  auditor,
		sink:     s,
		rules:    Rules,
		locks:    newTenantLocks(),
		opts:     opts,
		now:      time.Now,
		logger:   logger.Named("classifier"),
	}
}

// WithObserver подключает метрики решений.
func (c *Classifier) WithObserver(o Observer) *Classifier {
	c.observer = o
	return c
}

// batch: состояние одного прогона классификации.
type batch struct {
	tenantID  string
	agentType string
	category  string
	traceID   string
	report    domain.DecisionReport
	writes    *queueWrites
}

// Classify применяет таблицу правил к батчу.
//
// Ошибка ErrSchema возвращается до любых изменений квот. ConfigurationError
// возвращается вместе с безопасным отчетом, в котором всё ушло в pending.
func (c *Classifier) Classify(ctx context.Context, candidates []domain.CandidateAction, tenantID, agentType string) (domain.DecisionReport, error) {
	if err := validateBatch(candidates, tenantID, agentType); err != nil {
		return domain.DecisionReport{}, err
	}

	unlock := c.locks.Lock(tenantID)
	defer unlock()

	b := &batch{
		tenantID:  tenantID,
		agentType: agentType,
		category:  c.catalog.CategoryFor(tenantID, agentType),
		traceID:   infra.TraceID(ctx),
	}
	b.report = domain.DecisionReport{
		TenantID:  tenantID,
		AgentType: agentType,
		Category:  b.category,
		Decisions: make([]domain.Decision, 0, len(candidates)),
	}
	log := c.logger.With(
		zap.String("tenant_id", tenantID),
		zap.String("agent_type", agentType),
		zap.String("trace_id", b.traceID))

	policy, err := c.policies.Get(ctx, tenantID)
	if err != nil {
		log.Error("policy unavailable, routing batch to manual review", zap.Error(err))
		c.failSafe(ctx, b, candidates)
		c.awaitQueue(b)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			err = &domain.ConfigurationError{TenantID: tenantID, Reason: "policy read failed", Err: err}
		}
		return b.finish(), err
	}
	if policy.Fallback {
		c.auditor.LogEvent(domain.SystemEvent{
			ID:       uuid.NewString(),
			TraceID:  b.traceID,
			TenantID: tenantID,
			Kind:     domain.EventPolicyFallback,
			Message:  "no stored policy, conservative default applied",
		})
	}

	// Снимок читается один раз, дальше счетчик ведем сами по ответам леджера
	ledgerOK := true
	sCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	snap, err := c.ledger.Snapshot(sCtx, tenantID)
	cancel()
	if err != nil {
		ledgerOK = false
		log.Warn("quota snapshot unavailable, auto-approval suspended for batch", zap.Error(err))
	}
	actionsThisWeek := snap.ActionsThisWeek

	for _, action := range candidates {
		if err := action.Validate(); err != nil {
			c.record(b, domain.Decision{
				ActionID: action.ID,
				Outcome:  domain.OutcomeBlocked,
				Reason:   err.Error(),
				Rule:     RuleInvalidAction,
			})
			continue
		}
		action.Category = b.category

		d := Evaluate(c.rules, Input{
			Action:          action,
			Policy:          policy,
			Category:        b.category,
			ActionsThisWeek: actionsThisWeek,
		})

		if d.Outcome == domain.OutcomeAutoApproved {
			if !ledgerOK {
				d = domain.Decision{
					ActionID: action.ID,
					Outcome:  domain.OutcomePendingApproval,
					Reason:   "quota ledger unavailable, auto-approval suspended",
					Rule:     RuleLedgerUnavailable,
				}
			} else {
				d, actionsThisWeek, ledgerOK = c.consume(ctx, b, policy, d, actionsThisWeek, log)
			}
		}

		switch d.Outcome {
		case domain.OutcomeAutoApproved:
			c.logAutomated(b, action, d)
		case domain.OutcomePendingApproval:
			d.QueueID = c.enqueue(ctx, b, action, d.Reason)
		}
		c.record(b, d)
	}
	c.awaitQueue(b)

	if ledgerOK {
		b.report.QuotaRemaining = remaining(policy.MaxActionsPerWeek, actionsThisWeek)
	}
	report := b.finish()
	log.Info("batch classified",
		zap.Int("auto_approved", report.Stats.AutoApproved),
		zap.Int("pending", report.Stats.Pending),
		zap.Int("blocked", report.Stats.Blocked),
		zap.Uint("quota_remaining", report.QuotaRemaining),
		zap.Int("persistence_failures", report.PersistenceFailures))
	return report, nil
}

// consume списывает одно действие из недельного лимита до оценки следующего кандидата.
// Проверка лимита и инкремент атомарны в леджере: гонка с другим инстансом
// превращает одобрение в блокировку, а не в превышение лимита.
func (c *Classifier) consume(
	ctx context.Context,
	b *batch,
	policy domain.TenantPolicy,
	d domain.Decision,
	current int64,
	log *zap.Logger,
) (domain.Decision, int64, bool) {
	tCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	defer cancel()

	limit := float64(policy.MaxActionsPerWeek)
	if d.Rule == RuleAutopilotOff {
		// Исключение для безопасных действий не ограничено недельным лимитом, но учитывается в нем
		v, err := c.ledger.Consume(tCtx, b.tenantID, domain.CounterActionsWeek, 1)
		if err != nil {
			return c.ledgerFailed(b, d, err, log), current, false
		}
		return d, int64(v), true
	}

	v, applied, err := c.ledger.ConsumeCapped(tCtx, b.tenantID, domain.CounterActionsWeek, 1, limit)
	if err != nil {
		return c.ledgerFailed(b, d, err, log), current, false
	}
	if !applied {
		return domain.Decision{
			ActionID: d.ActionID,
			Outcome:  domain.OutcomeBlocked,
			Reason:   fmt.Sprintf("weekly automated action cap reached (%d/%d)", int64(v), policy.MaxActionsPerWeek),
			Rule:     RuleWeeklyCap,
		}, int64(v), true
	}
	return d, int64(v), true
}

func (c *Classifier) ledgerFailed(b *batch, d domain.Decision, err error, log *zap.Logger) domain.Decision {
	log.Error("quota consume failed, downgrading to manual review",
		zap.String("action_id", d.ActionID), zap.Error(err))
	b.report.PersistenceFailures++
	c.auditor.LogEvent(domain.SystemEvent{
		ID:       uuid.NewString(),
		TraceID:  b.traceID,
		TenantID: b.tenantID,
		Kind:     domain.EventLedgerFailed,
		Message:  "quota consume failed",
		Details:  map[string]any{"action_id": d.ActionID, "error": err.Error()},
	})
	return domain.Decision{
		ActionID: d.ActionID,
		Outcome:  domain.OutcomePendingApproval,
		Reason:   "quota ledger unavailable, auto-approval suspended",
		Rule:     RuleLedgerUnavailable,
	}
}

func (c *Classifier) logAutomated(b *batch, action domain.CandidateAction, d domain.Decision) {
	payload, _ := json.Marshal(action)
	ok := c.auditor.LogAction(domain.AutomatedAction{
		ID:        uuid.NewString(),
		TraceID:   b.traceID,
		TenantID:  b.tenantID,
		ActionID:  action.ID,
		AgentType: b.agentType,
		Category:  b.category,
		Reason:    d.Reason,
		Payload:   payload,
	})
	if !ok {
		b.report.PersistenceFailures++
	}
}

// failSafe: политика неизвестна, поэтому ничего не одобряем, квоты не трогаем.
func (c *Classifier) failSafe(ctx context.Context, b *batch, candidates []domain.CandidateAction) {
	for _, action := range candidates {
		if err := action.Validate(); err != nil {
			c.record(b, domain.Decision{
				ActionID: action.ID,
				Outcome:  domain.OutcomeBlocked,
				Reason:   err.Error(),
				Rule:     RuleInvalidAction,
			})
			continue
		}
		action.Category = b.category
		d := domain.Decision{
			ActionID: action.ID,
			Outcome:  domain.OutcomePendingApproval,
			Reason:   "policy unavailable",
			Rule:     RulePolicyUnavailable,
		}
		d.QueueID = c.enqueue(ctx, b, action, d.Reason)
		c.record(b, d)
	}
}

func (c *Classifier) record(b *batch, d domain.Decision) {
	b.report.Decisions = append(b.report.Decisions, d)
	if c.observer != nil {
		c.observer.DecisionRecorded(d.Outcome, d.Rule)
	}
}

func (b *batch) finish() domain.DecisionReport {
	b.report.Stats = domain.Tally(b.report.Decisions)
	return b.report
}

func remaining(limit uint, used int64) uint {
	if used >= int64(limit) {
		return 0
	}
	return uint(int64(limit) - used)
}

// validateBatch ловит ошибки уровня батча. Битые поля отдельных действий
// сюда не относятся: такие действия блокируются поштучно.
func validateBatch(candidates []domain.CandidateAction, tenantID, agentType string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrSchema)
	}
	if strings.TrimSpace(agentType) == "" {
		return fmt.Errorf("%w: agent_type is required", domain.ErrSchema)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: empty batch", domain.ErrSchema)
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, a := range candidates {
		if a.ID == "" {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: duplicate action id %q", domain.ErrSchema, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}
