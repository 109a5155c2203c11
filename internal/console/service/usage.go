package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/admission"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/sink"
)

// CallRecorder: журнал вызовов LLM, из него супервизор считает метрики.
type CallRecorder interface {
	RecordCall(ctx context.Context, c domain.CallRecord) error
}

type Finisher interface {
	Finish(ctx context.Context, u admission.Usage) error
}

// CallReport: агент сообщает итог вызова, допущенного гейтом.
type CallReport struct {
	RunID     string  `json:"run_id"`
	AgentType string  `json:"agent_type"`
	OK        bool    `json:"ok"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latency_ms"`
	Retry     bool    `json:"retry"`
	Error     string  `json:"error,omitempty"`
}

// UsageService закрывает вызов: освобождает слот, списывает токены и расходы,
// best-effort пишет вызов в журнал метрик.
type UsageService struct {
	gate     Finisher
	recorder CallRecorder
	sink     *sink.Sink
	now      func() time.Time
	logger   *zap.Logger
}

func NewUsageService(gate Finisher, recorder CallRecorder, s *sink.Sink, logger *zap.Logger) *UsageService {
	return &UsageService{gate: gate, recorder: recorder, sink: s, now: time.Now, logger: logger.Named("usage")}
}

// Finish возвращает ошибку только от леджера. Сбой записи в журнал метрик
// отражается в recorded=false.
func (s *UsageService) Finish(ctx context.Context, tenantID string, r CallReport) (recorded bool, err error) {
	if err := s.gate.Finish(ctx, admission.Usage{TenantID: tenantID, RunID: r.RunID, Tokens: r.Tokens, Cost: r.Cost}); err != nil {
		return false, err
	}

	id := r.RunID
	if id == "" {
		id = uuid.NewString()
	}
	rec := domain.CallRecord{
		ID:        id,
		TenantID:  tenantID,
		AgentType: r.AgentType,
		OK:        r.OK,
		Tokens:    r.Tokens,
		Cost:      r.Cost,
		LatencyMs: r.LatencyMs,
		Retry:     r.Retry,
		Error:     r.Error,
		At:        s.now().UTC(),
	}
	res := s.sink.Do(ctx, "llm_calls.insert", func(ctx context.Context) error {
		return s.recorder.RecordCall(ctx, rec)
	})
	if !res.OK() {
		s.logger.Error("call record lost", zap.String("tenant_id", tenantID), zap.Error(res.Err))
		return false, nil
	}
	return true, nil
}
