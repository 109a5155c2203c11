package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
	"go.uber.org/zap"
)

// windowGrace: ключ окна живет чуть дольше самого окна, чтобы запоздалый Snapshot не упал на гонке с TTL.
const windowGrace = time.Minute

// KEYS[1]: ключ окна; ARGV[1]: amount; ARGV[2]: TTL в мс (0 без TTL); ARGV[3]: лимит или "".
var consumeScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if ARGV[3] ~= '' and cur >= tonumber(ARGV[3]) then
	return {0, tostring(cur)}
end
local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, v}
`)

var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nv = cur - tonumber(ARGV[1])
if nv < 0 then nv = 0 end
redis.call('SET', KEYS[1], tostring(nv))
return tostring(nv)
`)

// RedisLedger хранит счетчики в Redis, атомарность обеспечивает Lua-скрипт.
// Подходит для нескольких инстансов governor за балансировщиком.
type RedisLedger struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	now    Clock
}

func NewRedisLedger(rdb redis.UniversalClient, logger *zap.Logger, clock Clock) *RedisLedger {
	if clock == nil {
		clock = time.Now
	}
	return &RedisLedger{
		rdb:    rdb,
		logger: logger.Named("ledger"),
		now:    clock,
	}
}

func (l *RedisLedger) key(tenantID string, c domain.Counter, now time.Time) (string, time.Duration) {
	w := WindowFor(c, now)
	if w.ID == "" {
		return infra.QuotaKey(tenantID, string(c), ""), 0
	}
	return infra.QuotaKey(tenantID, string(c), w.ID), w.End.Sub(now) + windowGrace
}

func (l *RedisLedger) run(ctx context.Context, op, tenantID string, c domain.Counter, amount float64, limit string) (float64, bool, error) {
	key, ttl := l.key(tenantID, c, l.now())
	res, err := consumeScript.Run(ctx, l.rdb, []string{key}, formatFloat(amount), ttl.Milliseconds(), limit).Slice()
	if err != nil {
		l.logger.Error("ledger script failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		return 0, false, &domain.StoreUnavailableError{Op: op, Err: err}
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("quota: unexpected script reply %v", res)
	}
	applied, _ := res[0].(int64)
	value, err := parseFloat(res[1])
	if err != nil {
		return 0, false, err
	}
	return value, applied == 1, nil
}

func (l *RedisLedger) Consume(ctx context.Context, tenantID string, c domain.Counter, amount float64) (float64, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, err
	}
	v, _, err := l.run(ctx, "ledger.consume", tenantID, c, amount, "")
	return v, err
}

func (l *RedisLedger) ConsumeCapped(ctx context.Context, tenantID string, c domain.Counter, amount, limit float64) (float64, bool, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, false, err
	}
	return l.run(ctx, "ledger.consume_capped", tenantID, c, amount, formatFloat(limit))
}

func (l *RedisLedger) Release(ctx context.Context, tenantID string, c domain.Counter, amount float64) (float64, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, err
	}
	if c != domain.CounterConcurrentRuns {
		return 0, ErrNotReleasable
	}
	key, _ := l.key(tenantID, c, l.now())
	res, err := releaseScript.Run(ctx, l.rdb, []string{key}, formatFloat(amount)).Result()
	if err != nil {
		return 0, &domain.StoreUnavailableError{Op: "ledger.release", Err: err}
	}
	return parseFloat(res)
}

func (l *RedisLedger) Snapshot(ctx context.Context, tenantID string) (domain.QuotaSnapshot, error) {
	snap := domain.QuotaSnapshot{TenantID: tenantID}
	now := l.now()

	keys := make([]string, len(domain.Counters))
	for i, c := range domain.Counters {
		keys[i], _ = l.key(tenantID, c, now)
	}

	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return snap, &domain.StoreUnavailableError{Op: "ledger.snapshot", Err: err}
	}
	for i, c := range domain.Counters {
		if vals[i] == nil {
			continue // Ключа нет: окно еще не начато или уже истекло
		}
		v, err := parseFloat(vals[i])
		if err != nil {
			l.logger.Warn("corrupted counter value", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		snap.Set(c, v)
	}
	return snap, nil
}

func (l *RedisLedger) Reset(ctx context.Context, tenantID string, c domain.Counter) error {
	if !c.Valid() {
		return ErrUnknownCounter
	}
	key, _ := l.key(tenantID, c, l.now())
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return &domain.StoreUnavailableError{Op: "ledger.reset", Err: err}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("quota: unexpected value type %T", v)
	}
}
