package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type fakeFreezer struct {
	frozen    []string
	frozenAll int
	err       error
}

func (f *fakeFreezer) Freeze(_ context.Context, tenantID, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.frozen = append(f.frozen, tenantID)
	return nil
}

func (f *fakeFreezer) FreezeAll(context.Context, string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.frozenAll++
	return 7, nil
}

type fakePauser struct{ paused []string }

func (f *fakePauser) Pause(_ context.Context, agentType, _ string) error {
	f.paused = append(f.paused, agentType)
	return nil
}

type fakeNotifier struct {
	alerts []Alert
	mute   bool
}

func (f *fakeNotifier) Send(_ context.Context, a Alert) (bool, error) {
	if f.mute {
		return false, nil
	}
	f.alerts = append(f.alerts, a)
	return true, nil
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []domain.SystemEvent
}

func (f *fakeAuditor) LogAction(domain.AutomatedAction) bool { return true }

func (f *fakeAuditor) LogEvent(e domain.SystemEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return true
}

type applierEnv struct {
	freezer  *fakeFreezer
	pauser   *fakePauser
	notifier *fakeNotifier
	auditor  *fakeAuditor
	metrics  *Metrics
	applier  *DirectiveApplier
}

func newApplierEnv(dryRun bool) *applierEnv {
	e := &applierEnv{
		freezer:  &fakeFreezer{},
		pauser:   &fakePauser{},
		notifier: &fakeNotifier{},
		auditor:  &fakeAuditor{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	e.applier = NewDirectiveApplier(e.freezer, e.pauser, e.notifier, e.auditor, e.metrics, dryRun, zap.NewNop())
	return e
}

func TestApplier_EnforcesFreezeAndPause(t *testing.T) {
	e := newApplierEnv(false)

	res := e.applier.Apply(context.Background(), []domain.ThrottleDirective{
		{Type: domain.DirectiveFreezeAutopilot, Target: "t1", Reason: "quota exceeded", Severity: domain.SeverityHigh},
		{Type: domain.DirectivePauseAgent, Target: "seo-crawler", Reason: "retry storm", Severity: domain.SeverityHigh},
		{Type: domain.DirectiveAlertOps, Target: "t1", Reason: "quota exceeded", Severity: domain.SeverityHigh},
	})

	require.Len(t, res, 3)
	for _, r := range res {
		assert.True(t, r.Applied, r.Directive.Type)
		assert.Empty(t, r.Error)
	}
	assert.Equal(t, []string{"t1"}, e.freezer.frozen)
	assert.Equal(t, []string{"seo-crawler"}, e.pauser.paused)

	// Алерт только от alert_ops, и он не advisory
	require.Len(t, e.notifier.alerts, 1)
	assert.False(t, e.notifier.alerts[0].Advisory)

	require.Len(t, e.auditor.events, 3)
	assert.Equal(t, domain.EventDirectiveApplied, e.auditor.events[0].Kind)
	assert.Equal(t, "t1", e.auditor.events[0].TenantID)
	assert.Empty(t, e.auditor.events[1].TenantID)

	assert.Equal(t, 1.0, counterValue(t, e.metrics.Directives.WithLabelValues("freeze_autopilot", "high", "true")))
}

func TestApplier_EmptyTargetFreezesPlatform(t *testing.T) {
	e := newApplierEnv(false)

	res := e.applier.Apply(context.Background(), []domain.ThrottleDirective{
		{Type: domain.DirectiveFreezeAutopilot, Reason: "error rate critical (40.0%)", Severity: domain.SeverityHigh},
	})

	require.True(t, res[0].Applied)
	assert.Equal(t, 1, e.freezer.frozenAll)
	assert.Empty(t, e.freezer.frozen)
	assert.Equal(t, int64(7), e.auditor.events[0].Details["tenants_frozen"])
}

func TestApplier_AdvisoryDirectivesGoToOps(t *testing.T) {
	e := newApplierEnv(false)

	res := e.applier.Apply(context.Background(), []domain.ThrottleDirective{
		{Type: domain.DirectiveReduceTokens, Target: "t1", Reason: "quota nearly exhausted", Severity: domain.SeverityMedium},
		{Type: domain.DirectiveSwitchModel, Target: "t1", Reason: "quota nearly exhausted", Severity: domain.SeverityMedium},
	})

	for _, r := range res {
		assert.False(t, r.Applied)
		assert.True(t, r.Alerted)
	}
	require.Len(t, e.notifier.alerts, 2)
	assert.True(t, e.notifier.alerts[0].Advisory)
	assert.Empty(t, e.auditor.events)
}

func TestApplier_DryRun(t *testing.T) {
	e := newApplierEnv(true)

	res := e.applier.Apply(context.Background(), []domain.ThrottleDirective{
		{Type: domain.DirectiveFreezeAutopilot, Target: "t1", Reason: "quota exceeded", Severity: domain.SeverityHigh},
		{Type: domain.DirectivePauseAgent, Target: "seo-crawler", Reason: "retry storm", Severity: domain.SeverityHigh},
	})

	assert.False(t, res[0].Applied)
	assert.False(t, res[1].Applied)
	assert.Empty(t, e.freezer.frozen)
	assert.Empty(t, e.pauser.paused)
	assert.Len(t, e.notifier.alerts, 2)
}

func TestApplier_FailureDoesNotStopBatch(t *testing.T) {
	e := newApplierEnv(false)
	e.freezer.err = errors.New("db down")

	res := e.applier.Apply(context.Background(), []domain.ThrottleDirective{
		{Type: domain.DirectiveFreezeAutopilot, Target: "t1", Reason: "quota exceeded", Severity: domain.SeverityHigh},
		{Type: domain.DirectivePauseAgent, Target: "seo-crawler", Reason: "retry storm", Severity: domain.SeverityHigh},
		{Type: domain.DirectivePauseAgent, Reason: "no target", Severity: domain.SeverityHigh},
	})

	assert.False(t, res[0].Applied)
	assert.Equal(t, "db down", res[0].Error)
	// Не примененная заморозка все равно доходит до дежурных
	assert.True(t, res[0].Alerted)
	assert.True(t, res[1].Applied)
	assert.False(t, res[2].Applied)
	assert.NotEmpty(t, res[2].Error)
}
