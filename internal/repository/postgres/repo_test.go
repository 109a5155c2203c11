package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/governor/internal/domain"
)

func newMock(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

var policyRow = []string{
	"tenant_id", "enabled", "allowed_categories", "risk_ceiling", "max_actions_per_week",
	"max_daily_budget", "monthly_token_budget", "max_requests_per_minute", "max_concurrent_runs",
	"frozen", "frozen_reason", "updated_at",
}

func TestGetTenantPolicy(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM tenant_policies WHERE tenant_id = \\$1").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(policyRow).
			AddRow("t1", true, []byte(`["seo_fix","ads_optimization"]`), "medium", int64(25),
				75.5, int64(2_000_000), int64(120), int64(5), false, "", now))

	p, err := r.GetTenantPolicy(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"seo_fix", "ads_optimization"}, p.AllowedCategories)
	assert.Equal(t, domain.RiskMedium, p.RiskCeiling)
	assert.Equal(t, uint(25), p.MaxActionsPerWeek)
	assert.InDelta(t, 75.5, p.MaxDailyBudget, 1e-9)
	assert.Equal(t, int64(5), p.Limits.MaxConcurrentRuns)
	assert.False(t, p.Fallback)
}

func TestGetTenantPolicy_NoRow(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery("SELECT .+ FROM tenant_policies").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(policyRow))

	p, err := r.GetTenantPolicy(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetTenantPolicy_BrokenCategories(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery("SELECT .+ FROM tenant_policies").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(policyRow).
			AddRow("t1", true, []byte(`not json`), "low", int64(10), 50.0, int64(1), int64(1), int64(1), false, "", time.Now()))

	_, err := r.GetTenantPolicy(context.Background(), "t1")
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUpsertTenantPolicy(t *testing.T) {
	r, mock := newMock(t)
	p := domain.DefaultPolicy("t1")
	p.Enabled = true

	mock.ExpectExec("INSERT INTO tenant_policies .+ ON CONFLICT \\(tenant_id\\) DO UPDATE").
		WithArgs("t1", true, []byte(`["seo_fix","content_update"]`), "low", uint(10), 50.0,
			int64(1_000_000), int64(60), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.UpsertTenantPolicy(context.Background(), &p))
}

func TestFreezeAll(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec("UPDATE tenant_policies SET frozen = TRUE").
		WithArgs("error rate critical").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := r.FreezeAll(context.Background(), "error rate critical")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

var approvalRow = []string{
	"id", "tenant_id", "action_id", "agent_type", "category", "reason", "payload", "status",
	"reviewer_id", "comment", "created_at", "expires_at", "updated_at",
}

func TestEnqueue(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()
	e := &domain.ApprovalEntry{
		ID: "q1", TenantID: "t1", ActionID: "a1", AgentType: "tech_auditor", Category: "seo_fix",
		Reason: "risk", Payload: []byte(`{"id":"a1"}`), Status: domain.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(domain.ApprovalTTL),
	}

	mock.ExpectExec("INSERT INTO approval_queue").
		WithArgs("q1", "t1", "a1", "tech_auditor", "seo_fix", "risk", []byte(`{"id":"a1"}`), "PENDING", now, now.Add(domain.ApprovalTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Enqueue(context.Background(), e))
}

func TestDecideApproval(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE approval_queue .+ WHERE id = \\$5 AND status = 'PENDING' AND expires_at > \\$4 RETURNING").
		WithArgs("APPROVED", "ops-1", "ok", now, "q1").
		WillReturnRows(sqlmock.NewRows(approvalRow).
			AddRow("q1", "t1", "a1", "tech_auditor", "seo_fix", "risk", []byte(`{}`), "APPROVED",
				"ops-1", "ok", now.Add(-time.Hour), now.Add(time.Hour), now))

	e, err := r.DecideApproval(context.Background(), "q1", domain.StatusApproved, "ops-1", "ok", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, e.Status)
	require.NotNil(t, e.ReviewerID)
	assert.Equal(t, "ops-1", *e.ReviewerID)
}

func TestDecideApproval_AlreadyProcessed(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE approval_queue").
		WithArgs("REJECTED", "ops-1", "", now, "q1").
		WillReturnRows(sqlmock.NewRows(approvalRow))
	mock.ExpectQuery("SELECT .+ FROM approval_queue WHERE id = \\$1").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows(approvalRow).
			AddRow("q1", "t1", "a1", "tech_auditor", "seo_fix", "risk", []byte(`{}`), "APPROVED",
				nil, nil, now.Add(-time.Hour), now.Add(time.Hour), now))

	_, err := r.DecideApproval(context.Background(), "q1", domain.StatusRejected, "ops-1", "", now)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestDecideApproval_Expired(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE approval_queue").
		WillReturnRows(sqlmock.NewRows(approvalRow))
	mock.ExpectQuery("SELECT .+ FROM approval_queue").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows(approvalRow).
			AddRow("q1", "t1", "a1", "tech_auditor", "seo_fix", "risk", []byte(`{}`), "PENDING",
				nil, nil, now.Add(-8*24*time.Hour), now.Add(-24*time.Hour), now.Add(-8*24*time.Hour)))

	_, err := r.DecideApproval(context.Background(), "q1", domain.StatusApproved, "ops-1", "", now)
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)
}

func TestDecideApproval_RejectsPendingAsTarget(t *testing.T) {
	r, _ := newMock(t)
	_, err := r.DecideApproval(context.Background(), "q1", domain.StatusPending, "ops-1", "", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFindApprovals(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM approval_queue WHERE tenant_id = \\$1 AND status = \\$2 ORDER BY created_at DESC LIMIT 100").
		WithArgs("t1", "PENDING").
		WillReturnRows(sqlmock.NewRows(approvalRow).
			AddRow("q1", "t1", "a1", "tech_auditor", "seo_fix", "risk", []byte(`{}`), "PENDING",
				nil, nil, now, now.Add(domain.ApprovalTTL), now))

	list, err := r.FindApprovals(context.Background(), "t1", domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].ReviewerID)
}

func TestExpireApprovals(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE approval_queue SET status = 'EXPIRED'").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := r.ExpireApprovals(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestWriteBatch(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO automated_actions .+ VALUES \\(\\$1, .+\\$9\\),\\(\\$10, .+\\$18\\)").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO system_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.WriteBatch(context.Background(),
		[]domain.AutomatedAction{{ID: "1", CreatedAt: now}, {ID: "2", CreatedAt: now}},
		[]domain.SystemEvent{{ID: "e1", Kind: domain.EventQueueWriteFailed, Details: map[string]any{"action_id": "a1"}, CreatedAt: now}})
	require.NoError(t, err)
}

func TestWriteBatch_RollsBackOnFailure(t *testing.T) {
	r, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO automated_actions").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := r.WriteBatch(context.Background(), []domain.AutomatedAction{{ID: "1"}}, nil)
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2),($3, $4)", placeholders(2, 2))
}

func TestSystemMetrics(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now().UTC()
	since := now.Add(-5 * time.Minute)

	mock.ExpectQuery("SELECT .+ FROM llm_calls WHERE created_at > \\$1").
		WithArgs(since, now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "failed", "tokens", "cost", "latency", "rpm"}).
			AddRow(int64(1000), int64(350), int64(52000), 12.5, 830.0, int64(40)))

	m, err := r.SystemMetrics(context.Background(), since, now)
	require.NoError(t, err)
	assert.Equal(t, domain.SystemMetrics{
		TotalRequests: 1000, FailedRequests: 350, TotalTokens: 52000, TotalCost: 12.5, AvgLatencyMs: 830, RequestsThisMinute: 40,
	}, m)
}

func TestAgentRunStats(t *testing.T) {
	r, mock := newMock(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT .+ FROM llm_calls .+ GROUP BY agent_type").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"agent_type", "runs", "ok", "patterns"}).
			AddRow("tech_auditor", int64(10), int64(6), []byte(`["a","b","c","d"]`)).
			AddRow("content_writer", int64(4), int64(4), []byte(`[]`)))

	stats, err := r.AgentRunStats(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.InDelta(t, 0.6, stats[0].SuccessRate, 1e-9)
	assert.Equal(t, int64(4), stats[0].Failures)
	assert.Len(t, stats[0].ErrorPatterns, maxErrorPatterns)
	assert.Empty(t, stats[1].ErrorPatterns)
}

func TestRecentErrors(t *testing.T) {
	r, mock := newMock(t)
	since := time.Now().Add(-time.Hour)
	at := time.Now().UTC()

	mock.ExpectQuery("SELECT agent_type, error_message, retry, created_at FROM llm_calls").
		WithArgs(since, 500).
		WillReturnRows(sqlmock.NewRows([]string{"agent_type", "error_message", "retry", "created_at"}).
			AddRow("ads_optimizer", "429 from provider", true, at))

	events, err := r.RecentErrors(context.Background(), since, 500)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Retry)
}

func TestRecordCall(t *testing.T) {
	r, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec(`(?s)INSERT INTO llm_calls.*ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("c1", "t1", "tech_auditor", "error", int64(10), 0.01, int64(900), true, "timeout", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordCall(context.Background(), domain.CallRecord{
		ID: "c1", TenantID: "t1", AgentType: "tech_auditor", OK: false,
		Tokens: 10, Cost: 0.01, LatencyMs: 900, Retry: true, Error: "timeout", At: at,
	}))
}
