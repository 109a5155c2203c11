package quota

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
)

// DefaultRunTTL: сколько живет запись о прогоне, если агент так и не закрыл его.
const DefaultRunTTL = 24 * time.Hour

// RunLog помнит, какие шаги закрытия прогона уже применены к леджеру.
// Повторный Finish с тем же run_id не списывает токены и не освобождает слот второй раз.
type RunLog interface {
	Open(ctx context.Context, tenantID, runID string) error
	// Claim отмечает шаг. false: шаг уже был применен.
	// domain.ErrUnknownRun: прогона нет или он чужой.
	Claim(ctx context.Context, tenantID, runID, step string) (bool, error)
	// Unclaim снимает отметку, если шаг не удалось применить.
	Unclaim(ctx context.Context, tenantID, runID, step string) error
}

type runState struct {
	tenantID string
	expires  time.Time
	steps    map[string]bool
}

// MemoryRunLog: in-process реализация для тестов и одиночного инстанса.
type MemoryRunLog struct {
	mu   sync.Mutex
	runs map[string]*runState
	ttl  time.Duration
	now  Clock
}

func NewMemoryRunLog(ttl time.Duration, clock Clock) *MemoryRunLog {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRunLog{runs: make(map[string]*runState), ttl: ttl, now: clock}
}

func (l *MemoryRunLog) Open(_ context.Context, tenantID, runID string) error {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.runs {
		if !now.Before(r.expires) {
			delete(l.runs, id)
		}
	}
	l.runs[runID] = &runState{tenantID: tenantID, expires: now.Add(l.ttl), steps: make(map[string]bool)}
	return nil
}

func (l *MemoryRunLog) lookup(tenantID, runID string) (*runState, error) {
	r, ok := l.runs[runID]
	if !ok || r.tenantID != tenantID || !l.now().Before(r.expires) {
		return nil, domain.ErrUnknownRun
	}
	return r, nil
}

func (l *MemoryRunLog) Claim(_ context.Context, tenantID, runID, step string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(tenantID, runID)
	if err != nil {
		return false, err
	}
	if r.steps[step] {
		return false, nil
	}
	r.steps[step] = true
	return true, nil
}

func (l *MemoryRunLog) Unclaim(_ context.Context, tenantID, runID, step string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.lookup(tenantID, runID)
	if err != nil {
		return err
	}
	delete(r.steps, step)
	return nil
}

// KEYS[1]: hash прогона; ARGV[1]: тенант; ARGV[2]: поле шага.
// -1: прогона нет или он чужой, 0: шаг уже отмечен, 1: отмечен сейчас.
var claimScript = redis.NewScript(`
local t = redis.call('HGET', KEYS[1], 'tenant')
if not t or t ~= ARGV[1] then
	return -1
end
return redis.call('HSETNX', KEYS[1], ARGV[2], '1')
`)

// RedisRunLog: общий для всех инстансов журнал прогонов. Запись живет ttl.
type RedisRunLog struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisRunLog(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisRunLog {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &RedisRunLog{rdb: rdb, ttl: ttl, logger: logger.Named("runs")}
}

func (l *RedisRunLog) Open(ctx context.Context, tenantID, runID string) error {
	key := infra.RunKey(runID)
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "tenant", tenantID)
		p.PExpire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		l.logger.Error("run not opened", zap.String("run_id", runID), zap.Error(err))
		return &domain.StoreUnavailableError{Op: "runs.open", Err: err}
	}
	return nil
}

func (l *RedisRunLog) Claim(ctx context.Context, tenantID, runID, step string) (bool, error) {
	n, err := claimScript.Run(ctx, l.rdb, []string{infra.RunKey(runID)}, tenantID, "step:"+step).Int64()
	if err != nil {
		return false, &domain.StoreUnavailableError{Op: "runs.claim", Err: err}
	}
	switch n {
	case -1:
		return false, domain.ErrUnknownRun
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (l *RedisRunLog) Unclaim(ctx context.Context, tenantID, runID, step string) error {
	if err := l.rdb.HDel(ctx, infra.RunKey(runID), "step:"+step).Err(); err != nil {
		return &domain.StoreUnavailableError{Op: "runs.unclaim", Err: err}
	}
	return nil
}
