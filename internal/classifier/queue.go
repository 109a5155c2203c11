package classifier

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/sink"
)

// queueWrites: вставки в очередь апрувов одного батча. Все идут параллельно
// под общим дедлайном и дожидаются один раз, в конце батча.
type queueWrites struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu     sync.Mutex
	failed map[int]failedWrite // индекс решения -> ошибка
}

type failedWrite struct {
	actionID string
	res      sink.Result
}

func newQueueWrites(ctx context.Context, opts Options) *queueWrites {
	w := &queueWrites{failed: make(map[int]failedWrite)}
	w.ctx, w.cancel = context.WithTimeout(ctx, opts.QueueTimeout)
	w.g.SetLimit(opts.QueueParallelism)
	return w
}

func (w *queueWrites) fail(idx int, actionID string, res sink.Result) {
	w.mu.Lock()
	w.failed[idx] = failedWrite{actionID: actionID, res: res}
	w.mu.Unlock()
}

// enqueue стартует запись pending-действия и сразу возвращает ID заявки.
// Действие должно попасть в отчет следующим решением: idx = len(Decisions).
func (c *Classifier) enqueue(ctx context.Context, b *batch, action domain.CandidateAction, reason string) string {
	payload, err := json.Marshal(action)
	if err != nil {
		payload = nil
	}
	now := c.now().UTC()
	entry := &domain.ApprovalEntry{
		ID:        uuid.NewString(),
		TenantID:  b.tenantID,
		ActionID:  action.ID,
		AgentType: b.agentType,
		Category:  b.category,
		Reason:    reason,
		Payload:   payload,
		Status:    domain.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.ApprovalTTL),
		UpdatedAt: now,
	}

	if b.writes == nil {
		b.writes = newQueueWrites(ctx, c.opts)
	}
	w := b.writes
	idx := len(b.report.Decisions)

	w.g.Go(func() error {
		res := c.sink.Do(w.ctx, "approval_queue.insert", func(ctx context.Context) error {
			return c.queue.Enqueue(ctx, entry)
		})
		if !res.OK() {
			w.fail(idx, action.ID, res)
		}
		return nil
	})
	return entry.ID
}

// awaitQueue дожидается вставок батча. Не успевшие к дедлайну заявки
// остаются без QueueID, решение при этом не меняется.
func (c *Classifier) awaitQueue(b *batch) {
	w := b.writes
	if w == nil {
		return
	}
	_ = w.g.Wait()
	w.cancel()

	for idx, f := range w.failed {
		b.report.Decisions[idx].QueueID = ""
		b.report.PersistenceFailures++

		details := map[string]any{
			"action_id": f.actionID,
			"attempts":  f.res.Attempts,
			"breaker":   f.res.Rejected,
		}
		if f.res.Err != nil {
			details["error"] = f.res.Err.Error()
		}
		c.auditor.LogEvent(domain.SystemEvent{
			ID:       uuid.NewString(),
			TraceID:  b.traceID,
			TenantID: b.tenantID,
			Kind:     domain.EventQueueWriteFailed,
			Message:  "approval queue insert failed, decision stands without queue id",
			Details:  details,
		})
	}
}
