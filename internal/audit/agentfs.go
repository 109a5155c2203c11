package audit

/*
Файл agentfs.go: асинхронный журнал плоскости управления: автоматически
одобренные действия и системные события (сбои очереди, применение директив).

- Non-blocking Logging: Log не ждет хранилище, событие уходит в буферизированный канал.
  При переполнении (Backpressure) событие отбрасывается и учитывается как сбой записи.
- Batching: накопление в памяти и пакетная вставка по таймеру или по размеру пачки.
- Drain Pattern: Stop закрывает вход и дожидается финального flush.
- Запись пачки идет через sink (ретраи + Circuit Breaker), ошибка хранилища
  не роняет воркер.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
	"github.com/xela07ax/governor/internal/sink"
)

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	WriteBatch(ctx context.Context, actions []domain.AutomatedAction, events []domain.SystemEvent) error
}

// Auditor: то, что нужно классификатору и супервизору.
type Auditor interface {
	LogAction(a domain.AutomatedAction) bool
	LogEvent(e domain.SystemEvent) bool
}

type record struct {
	action *domain.AutomatedAction
	event  *domain.SystemEvent
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type AgentFS struct {
	ch       chan record
	repo     StorageInterface
	sink     *sink.Sink
	logger   *zap.Logger
	opts     Options
	wg       sync.WaitGroup
	isClosed atomic.Bool
	dropped  atomic.Int64
	onDrop   func()
}

func NewAgentFS(repo StorageInterface, s *sink.Sink, opts Options, logger *zap.Logger) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan record, opts.BufferSize),
		repo:   repo,
		sink:   s,
		opts:   opts,
		logger: logger.Named("agentfs"),
	}
}

// OnDrop регистрирует счетчик отброшенных записей (метрика).
func (fs *AgentFS) OnDrop(fn func()) { fs.onDrop = fn }

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	if !fs.isClosed.CompareAndSwap(false, true) {
		return
	}
	// Даем текущим Log успеть проскочить
	time.Sleep(10 * time.Millisecond)

	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully", zap.Int64("dropped_total", fs.dropped.Load()))
}

func (fs *AgentFS) LogAction(a domain.AutomatedAction) bool {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TraceID == "" {
		a.TraceID = infra.EmptyTraceID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return fs.enqueue(record{action: &a}, a.TenantID, a.TraceID)
}

func (fs *AgentFS) LogEvent(e domain.SystemEvent) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = infra.EmptyTraceID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return fs.enqueue(record{event: &e}, e.TenantID, e.TraceID)
}

func (fs *AgentFS) enqueue(r record, tenantID, traceID string) (accepted bool) {
	if fs.isClosed.Load() {
		fs.drop("audit record dropped: auditor is stopping", tenantID, traceID)
		return false
	}

	defer func() {
		// Stop мог закрыть канал между проверкой флага и отправкой
		if recover() != nil {
			fs.drop("audit record dropped: channel closed", tenantID, traceID)
			accepted = false
		}
	}()

	// Load Shedding: при переполнении не блокируем горячий путь
	select {
	case fs.ch <- r:
		return true
	default:
		fs.drop("audit_buffer_overflow", tenantID, traceID)
		return false
	}
}

func (fs *AgentFS) drop(msg, tenantID, traceID string) {
	fs.dropped.Add(1)
	if fs.onDrop != nil {
		fs.onDrop()
	}
	fs.logger.Error(msg, zap.String("tenant_id", tenantID), zap.String("trace_id", traceID))
}

// Dropped: сколько записей потеряно с момента старта.
func (fs *AgentFS) Dropped() int64 { return fs.dropped.Load() }

// Pending: заполненность буфера (backpressure gauge).
func (fs *AgentFS) Pending() int { return len(fs.ch) }

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	actions := make([]domain.AutomatedAction, 0, fs.opts.BatchSize)
	events := make([]domain.SystemEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(actions) == 0 && len(events) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже отменен
		res := fs.sink.Do(context.Background(), "audit.write_batch", func(ctx context.Context) error {
			return fs.repo.WriteBatch(ctx, actions, events)
		})
		if !res.OK() {
			fs.logger.Error("audit flush failed",
				zap.Int("actions", len(actions)),
				zap.Int("events", len(events)),
				zap.Error(res.Err))
		}
		actions = actions[:0]
		events = events[:0]
	}

	for {
		select {
		case r, ok := <-fs.ch:
			if !ok {
				flush() // Финальный сброс
				fs.logger.Info("audit worker finished")
				return
			}
			if r.action != nil {
				actions = append(actions, *r.action)
			}
			if r.event != nil {
				events = append(events, *r.event)
			}
			if len(actions)+len(events) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
