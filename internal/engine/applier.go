package engine

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/audit"
	"github.com/xela07ax/governor/internal/domain"
)

// Freezer: заморозка автопилота (policy.Store).
type Freezer interface {
	Freeze(ctx context.Context, tenantID, reason string) error
	FreezeAll(ctx context.Context, reason string) (int64, error)
}

// Pauser: пауза типа агента (PauseManager).
type Pauser interface {
	Pause(ctx context.Context, agentType, reason string) error
}

type Notifier interface {
	Send(ctx context.Context, alert Alert) (bool, error)
}

// AppliedDirective: итог применения одной директивы.
type AppliedDirective struct {
	Directive domain.ThrottleDirective `json:"directive"`
	Applied   bool                     `json:"applied"`
	Alerted   bool                     `json:"alerted"`
	Error     string                   `json:"error,omitempty"`
}

// DirectiveApplier превращает рекомендации супервизора в действия.
// freeze_autopilot и pause_agent применяются автоматически, остальные типы
// уходят дежурным как advisory: управлять моделью и токенами агента
// плоскость управления не может. В dry-run режиме всё уходит как advisory.
type DirectiveApplier struct {
	freezer  Freezer
	pauser   Pauser
	notifier Notifier
	auditor  audit.Auditor
	metrics  *Metrics
	dryRun   bool
	logger   *zap.Logger
}

func NewDirectiveApplier(f Freezer, p Pauser, n Notifier, a audit.Auditor, m *Metrics, dryRun bool, logger *zap.Logger) *DirectiveApplier {
	return &DirectiveApplier{
		freezer:  f,
		pauser:   p,
		notifier: n,
		auditor:  a,
		metrics:  m,
		dryRun:   dryRun,
		logger:   logger.Named("applier"),
	}
}

// Apply обрабатывает директивы по порядку. Ошибка одной не останавливает остальные.
func (a *DirectiveApplier) Apply(ctx context.Context, directives []domain.ThrottleDirective) []AppliedDirective {
	out := make([]AppliedDirective, 0, len(directives))
	for _, d := range directives {
		res := a.applyOne(ctx, d)
		if res.Error != "" {
			a.logger.Error("directive failed",
				zap.String("type", string(d.Type)),
				zap.String("target", d.Target),
				zap.String("error", res.Error))
		}
		if a.metrics != nil {
			a.metrics.Directives.WithLabelValues(string(d.Type), string(d.Severity), strconv.FormatBool(res.Applied)).Inc()
		}
		out = append(out, res)
	}
	return out
}

func (a *DirectiveApplier) applyOne(ctx context.Context, d domain.ThrottleDirective) AppliedDirective {
	res := AppliedDirective{Directive: d}

	enforce := !a.dryRun && (d.Type == domain.DirectiveFreezeAutopilot || d.Type == domain.DirectivePauseAgent)
	if enforce {
		details, err := a.enforce(ctx, d)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Applied = true
			a.record(d, details)
		}
	}

	// alert_ops уходит всегда, прочие типы только как рекомендация, если сами не применились.
	if d.Type == domain.DirectiveAlertOps || !res.Applied {
		sent, err := a.notifier.Send(ctx, Alert{
			Type:     d.Type,
			Target:   d.Target,
			Severity: d.Severity,
			Reason:   d.Reason,
			Advisory: d.Type != domain.DirectiveAlertOps,
		})
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		res.Alerted = sent
		if d.Type == domain.DirectiveAlertOps && sent {
			res.Applied = true
			a.record(d, nil)
		}
	}
	return res
}

func (a *DirectiveApplier) enforce(ctx context.Context, d domain.ThrottleDirective) (map[string]any, error) {
	reason := fmt.Sprintf("%s (%s)", d.Reason, d.Severity)

	switch d.Type {
	case domain.DirectiveFreezeAutopilot:
		if d.Target == "" {
			n, err := a.freezer.FreezeAll(ctx, reason)
			if err != nil {
				return nil, err
			}
			a.logger.Warn("autopilot frozen platform-wide", zap.Int64("tenants", n), zap.String("reason", d.Reason))
			return map[string]any{"tenants_frozen": n}, nil
		}
		if err := a.freezer.Freeze(ctx, d.Target, reason); err != nil {
			return nil, err
		}
		a.logger.Warn("autopilot frozen", zap.String("tenant_id", d.Target), zap.String("reason", d.Reason))
		return nil, nil

	case domain.DirectivePauseAgent:
		if d.Target == "" {
			return nil, fmt.Errorf("pause_agent without target")
		}
		return nil, a.pauser.Pause(ctx, d.Target, reason)
	}
	return nil, fmt.Errorf("directive %s is not enforceable", d.Type)
}

func (a *DirectiveApplier) record(d domain.ThrottleDirective, details map[string]any) {
	if details == nil {
		details = make(map[string]any, 3)
	}
	details["type"] = string(d.Type)
	details["target"] = d.Target
	details["severity"] = string(d.Severity)

	ev := domain.SystemEvent{
		Kind:    domain.EventDirectiveApplied,
		Message: d.Reason,
		Details: details,
	}
	if d.Type == domain.DirectiveFreezeAutopilot {
		ev.TenantID = d.Target
	}
	a.auditor.LogEvent(ev)
}
