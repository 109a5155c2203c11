package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/admission"
	"github.com/xela07ax/governor/internal/catalog"
	"github.com/xela07ax/governor/internal/classifier"
	"github.com/xela07ax/governor/internal/console/handler"
	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/engine"
	"github.com/xela07ax/governor/internal/health"
	"github.com/xela07ax/governor/internal/infra/auth"
	"github.com/xela07ax/governor/internal/policy"
	"github.com/xela07ax/governor/internal/quota"
	"github.com/xela07ax/governor/internal/sink"
)

// memRepo: in-memory хранилище политик, очереди и журнала вызовов.
type memRepo struct {
	mu        sync.Mutex
	policies  map[string]domain.TenantPolicy
	approvals map[string]*domain.ApprovalEntry
	calls     []domain.CallRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		policies:  make(map[string]domain.TenantPolicy),
		approvals: make(map[string]*domain.ApprovalEntry),
	}
}

func (m *memRepo) GetTenantPolicy(_ context.Context, id string) (*domain.TenantPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memRepo) UpsertTenantPolicy(_ context.Context, p *domain.TenantPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.policies[p.TenantID]
	next := *p
	next.Frozen, next.FrozenReason = prev.Frozen, prev.FrozenReason
	m.policies[p.TenantID] = next
	return nil
}

func (m *memRepo) SetFrozen(_ context.Context, id string, frozen bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		p = domain.DefaultPolicy(id)
		p.Fallback = false
	}
	p.Frozen, p.FrozenReason = frozen, reason
	m.policies[id] = p
	return nil
}

func (m *memRepo) FreezeAll(context.Context, string) (int64, error) { return 0, nil }

func (m *memRepo) Enqueue(_ context.Context, e *domain.ApprovalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.approvals[e.ID] = &cp
	return nil
}

func (m *memRepo) GetApproval(_ context.Context, id string) (*domain.ApprovalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.approvals[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memRepo) FindApprovals(_ context.Context, tenantID string, status domain.ApprovalStatus, _ int) ([]*domain.ApprovalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ApprovalEntry, 0)
	for _, e := range m.approvals {
		if (tenantID == "" || e.TenantID == tenantID) && e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) DecideApproval(_ context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string, now time.Time) (*domain.ApprovalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.approvals[id]
	if !ok {
		return nil, nil
	}
	if err := e.CanTransitionTo(status, now); err != nil {
		return nil, err
	}
	e.Status, e.ReviewerID, e.Comment, e.UpdatedAt = status, &reviewerID, &comment, now
	cp := *e
	return &cp, nil
}

func (m *memRepo) RecordCall(_ context.Context, c domain.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.calls {
		if have.ID == c.ID {
			return nil
		}
	}
	m.calls = append(m.calls, c)
	return nil
}

type nopAuditor struct{}

func (nopAuditor) LogAction(domain.AutomatedAction) bool { return true }
func (nopAuditor) LogEvent(domain.SystemEvent) bool      { return true }

type memPauses struct {
	mu     sync.Mutex
	paused map[string]bool
}

func (p *memPauses) Pause(_ context.Context, agentType, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[agentType] = true
	return nil
}

func (p *memPauses) Resume(_ context.Context, agentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, agentType)
	return nil
}

func (p *memPauses) IsPaused(agentType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[agentType]
}

func (p *memPauses) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.paused))
	for k := range p.paused {
		out = append(out, k)
	}
	return out
}

type staticReports struct{ rep *engine.Report }

func (s staticReports) Last() *engine.Report { return s.rep }

type testEnv struct {
	srv  *httptest.Server
	repo *memRepo
}

func newTestEnv(t *testing.T, validator auth.TokenValidator) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	repo := newMemRepo()
	repo.policies["t1"] = domain.TenantPolicy{
		TenantID:          "t1",
		Enabled:           true,
		AllowedCategories: []string{"seo_fix"},
		RiskCeiling:       domain.RiskLow,
		MaxActionsPerWeek: 10,
		MaxDailyBudget:    50,
		Limits:            domain.TenantLimits{MaxConcurrentRuns: 1},
	}

	s := sink.New(sink.Settings{Timeout: 50 * time.Millisecond, Attempts: 1, MaxFailures: 100}, nil, logger)
	store := policy.NewStore(repo, nil, policy.Options{TTL: time.Minute}, logger)
	ledger := quota.NewMemoryLedger(time.Now)
	pauses := &memPauses{paused: map[string]bool{}}

	cls := classifier.New(store, ledger, catalog.New(nil), repo, nopAuditor{}, s, classifier.Options{}, logger)
	gate := admission.NewGate(store, ledger, pauses, time.Second, logger).WithRuns(quota.NewMemoryRunLog(time.Hour, nil))

	h := Handlers{
		Governance: handler.NewGovernanceHandler(cls, gate, service.NewUsageService(gate, repo, s, logger), ledger, logger),
		Policy:     handler.NewPolicyHandler(service.NewPolicyService(store, nopAuditor{}, logger)),
		Approval:   handler.NewApprovalHandler(service.NewApprovalService(repo, nopAuditor{}, logger)),
		Health: handler.NewHealthHandler(staticReports{rep: &engine.Report{System: domain.HealthVerdict{Overall: domain.HealthHealthy}}},
			s, health.DefaultThresholds),
		Agent: handler.NewAgentHandler(pauses, logger),
	}
	srv := httptest.NewServer(NewConsoleServer(logger, validator, nil, h))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestConsole_ClassifyThenApprove(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodPost, "/v1/tenants/t1/classify", map[string]any{
		"agent_type": "tech_auditor",
		"actions": []domain.CandidateAction{
			{ID: "a1", Title: "Fix title tags", Type: domain.ActionAutoSafe, Impact: domain.RiskLow},
			{ID: "a2", Title: "Rewrite robots.txt", Type: domain.ActionRecommendation, Impact: domain.RiskHigh},
		},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[engine.ClassifyResponse](t, resp)

	require.Len(t, out.Report.Decisions, 2)
	assert.Equal(t, domain.OutcomeAutoApproved, out.Report.Decisions[0].Outcome)
	assert.Equal(t, domain.OutcomePendingApproval, out.Report.Decisions[1].Outcome)
	assert.Equal(t, uint(9), out.Report.QuotaRemaining)
	queueID := out.Report.Decisions[1].QueueID
	require.NotEmpty(t, queueID)

	list := decode[[]domain.ApprovalEntry](t, e.do(t, http.MethodGet, "/v1/approvals?tenant_id=t1", nil, ""))
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].ActionID)

	resp = e.do(t, http.MethodPost, "/v1/approvals/"+queueID+"/decide", map[string]any{"approved": true, "reviewer_id": "ops-1"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusApproved, decode[domain.ApprovalEntry](t, resp).Status)

	// Повторное решение: конфликт
	resp = e.do(t, http.MethodPost, "/v1/approvals/"+queueID+"/decide", map[string]any{"approved": false, "reviewer_id": "ops-1"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/approvals/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConsole_ClassifySchemaError(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodPost, "/v1/tenants/t1/classify", map[string]any{"agent_type": "tech_auditor"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsole_AdmissionSlotLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	admitted := decode[domain.AdmissionResult](t, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", map[string]any{"agent_type": "tech_auditor"}, ""))
	require.True(t, admitted.Allowed)
	require.NotEmpty(t, admitted.RunID)

	// MaxConcurrentRuns = 1
	res := decode[domain.AdmissionResult](t, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", map[string]any{"agent_type": "tech_auditor"}, ""))
	assert.False(t, res.Allowed)
	assert.Equal(t, admission.ViolationConcurrency, res.Violation)

	report := service.CallReport{
		RunID: admitted.RunID, AgentType: "tech_auditor", OK: true, Tokens: 1200, Cost: 0.4, LatencyMs: 900,
	}
	resp := e.do(t, http.MethodPost, "/v1/tenants/t1/admission/finish", report, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[map[string]bool](t, resp)["recorded"])
	require.Len(t, e.repo.calls, 1)
	assert.Equal(t, int64(1200), e.repo.calls[0].Tokens)
	assert.Equal(t, admitted.RunID, e.repo.calls[0].ID)

	// Повтор отчета (клиент не дождался ответа): леджер не трогается
	resp = e.do(t, http.MethodPost, "/v1/tenants/t1/admission/finish", report, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, e.repo.calls, 1)

	resp = e.do(t, http.MethodPost, "/v1/tenants/t1/admission/finish", service.CallReport{RunID: "not-issued", AgentType: "tech_auditor"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	snap := decode[domain.QuotaSnapshot](t, e.do(t, http.MethodGet, "/v1/tenants/t1/quota", nil, ""))
	assert.Equal(t, int64(0), snap.ConcurrentRuns)
	assert.Equal(t, int64(1200), snap.TokensThisMonth)
	assert.Equal(t, int64(1), snap.RequestsThisMinute) // отказ не считается
}

func TestConsole_PausedAgentDenied(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodPost, "/v1/agents/tech_auditor/pause", map[string]string{"reason": "retry storm"}, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	paused := decode[map[string][]string](t, e.do(t, http.MethodGet, "/v1/agents/paused", nil, ""))
	assert.Equal(t, []string{"tech_auditor"}, paused["paused"])

	res := decode[domain.AdmissionResult](t, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", map[string]any{"agent_type": "tech_auditor"}, ""))
	assert.False(t, res.Allowed)
	assert.Equal(t, admission.ViolationAgentPaused, res.Violation)

	resp = e.do(t, http.MethodDelete, "/v1/agents/tech_auditor/pause", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	res = decode[domain.AdmissionResult](t, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", map[string]any{"agent_type": "tech_auditor"}, ""))
	assert.True(t, res.Allowed)
}

func TestConsole_PolicyFreezeFlow(t *testing.T) {
	e := newTestEnv(t, nil)

	p := decode[domain.TenantPolicy](t, e.do(t, http.MethodGet, "/v1/tenants/unknown/policy", nil, ""))
	assert.True(t, p.Fallback)
	assert.False(t, p.Enabled)

	resp := e.do(t, http.MethodPost, "/v1/tenants/t1/freeze", map[string]string{"reason": "incident"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p = decode[domain.TenantPolicy](t, resp)
	assert.True(t, p.Frozen)
	assert.Equal(t, "incident", p.FrozenReason)

	// Заморожено: рекомендация уходит на ручную проверку
	out := decode[engine.ClassifyResponse](t, e.do(t, http.MethodPost, "/v1/tenants/t1/classify", map[string]any{
		"agent_type": "tech_auditor",
		"actions":    []domain.CandidateAction{{ID: "a1", Title: "t", Type: domain.ActionRecommendation, Impact: domain.RiskLow}},
	}, ""))
	assert.Equal(t, domain.OutcomePendingApproval, out.Report.Decisions[0].Outcome)

	upd := e.repo.policies["t1"]
	upd.MaxActionsPerWeek = 3
	resp = e.do(t, http.MethodPut, "/v1/tenants/t1/policy", upd, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p = decode[domain.TenantPolicy](t, resp)
	assert.Equal(t, uint(3), p.MaxActionsPerWeek)
	assert.True(t, p.Frozen)

	bad := upd
	bad.RiskCeiling = "extreme"
	resp = e.do(t, http.MethodPut, "/v1/tenants/t1/policy", bad, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	p = decode[domain.TenantPolicy](t, e.do(t, http.MethodPost, "/v1/tenants/t1/unfreeze", nil, ""))
	assert.False(t, p.Frozen)
}

func TestConsole_HealthEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	resp = e.do(t, http.MethodPost, "/v1/health/evaluate", map[string]any{
		"metrics": domain.SystemMetrics{TotalRequests: 1000, FailedRequests: 350},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Verdict    domain.HealthVerdict       `json:"verdict"`
		Directives []domain.ThrottleDirective `json:"directives"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, domain.HealthCritical, out.Verdict.Overall)
	assert.Equal(t, domain.DirectiveFreezeAutopilot, out.Directives[0].Type)

	rep := decode[engine.Report](t, e.do(t, http.MethodGet, "/v1/health", nil, ""))
	assert.Equal(t, domain.HealthHealthy, rep.System.Overall)
}

type tokenMap map[string]*auth.ServiceClaims

func (m tokenMap) VerifyToken(tok string) (*auth.ServiceClaims, error) {
	if c, ok := m[tok[len("Bearer "):]]; ok {
		return c, nil
	}
	return nil, assert.AnError
}

func TestConsole_AuthScopes(t *testing.T) {
	tokens := tokenMap{
		"agent-t1": {TenantID: "t1", Scopes: []string{auth.ScopeClassify, auth.ScopeAdmit}},
		"operator": {Scopes: []string{auth.ScopeOperate}},
		"admin-t1": {TenantID: "t1", Scopes: []string{auth.ScopeOperate}},
	}
	e := newTestEnv(t, tokens)
	admit := map[string]any{"agent_type": "tech_auditor"}

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", admit, "").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/tenants/t1/admission", admit, "agent-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/tenants/t2/admission", admit, "agent-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/tenants/t1/policy", nil, "agent-t1").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/tenants/t1/policy", nil, "operator").StatusCode)

	// Админ тенанта управляет своей политикой, но не платформой
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/tenants/t1/policy", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/tenants/t2/policy", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/agents/tech_auditor/pause", map[string]string{"reason": "x"}, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodDelete, "/v1/agents/tech_auditor/pause", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/agents/paused", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/health/evaluate", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/health", nil, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/tenants/t1/freeze", map[string]string{"reason": "manual"}, "admin-t1").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/tenants/t1/unfreeze", nil, "admin-t1").StatusCode)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/v1/agents/tech_auditor/pause", map[string]string{"reason": "x"}, "operator").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/tenants/t1/unfreeze", nil, "operator").StatusCode)

	// Публичный healthcheck без токена
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil, "").StatusCode)
}
