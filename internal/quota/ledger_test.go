package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisLedger(t *testing.T, clock Clock) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLedger(rdb, zap.NewNop(), clock), mr
}

// ledgers прогоняет один и тот же сценарий на обеих реализациях.
func ledgers(t *testing.T, clock Clock) map[string]Ledger {
	redisLedger, _ := newRedisLedger(t, clock)
	return map[string]Ledger{
		"memory": NewMemoryLedger(clock),
		"redis":  redisLedger,
	}
}

func TestWindowFor(t *testing.T) {
	// Четверг, 15 октября 2026
	now := time.Date(2026, 10, 15, 13, 45, 30, 0, time.UTC)

	w := WindowFor(domain.CounterRequestsMinute, now)
	assert.Equal(t, "m202610151345", w.ID)
	assert.Equal(t, time.Date(2026, 10, 15, 13, 46, 0, 0, time.UTC), w.End)

	w = WindowFor(domain.CounterSpendDay, now)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), w.End)

	w = WindowFor(domain.CounterActionsWeek, now)
	assert.Equal(t, "w2026-42", w.ID)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), w.End, "week ends on the next Monday")

	w = WindowFor(domain.CounterTokensMonth, now)
	assert.Equal(t, "mo202610", w.ID)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), w.End)

	assert.Empty(t, WindowFor(domain.CounterConcurrentRuns, now).ID)
}

func TestLedger_ConsumeAndSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := l.Consume(ctx, "t1", domain.CounterActionsWeek, 1)
			require.NoError(t, err)
			assert.Equal(t, 1.0, v)

			v, err = l.Consume(ctx, "t1", domain.CounterSpendDay, 2.5)
			require.NoError(t, err)
			assert.Equal(t, 2.5, v)

			_, err = l.Consume(ctx, "t1", domain.CounterTokensMonth, 1200)
			require.NoError(t, err)

			snap, err := l.Snapshot(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), snap.ActionsThisWeek)
			assert.Equal(t, 2.5, snap.SpendToday)
			assert.Equal(t, int64(1200), snap.TokensThisMonth)

			other, err := l.Snapshot(ctx, "t2")
			require.NoError(t, err)
			assert.Zero(t, other.ActionsThisWeek, "tenants must not share counters")
		})
	}
}

func TestLedger_LazyWindowReset(t *testing.T) {
	for _, name := range []string{"memory", "redis"} {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 30, 0, time.UTC)}
			l := ledgers(t, clock.Now)[name]
			ctx := context.Background()

			_, err := l.Consume(ctx, "lazy", domain.CounterRequestsMinute, 5)
			require.NoError(t, err)
			_, err = l.Consume(ctx, "lazy", domain.CounterActionsWeek, 3)
			require.NoError(t, err)

			clock.Advance(time.Minute)

			snap, err := l.Snapshot(ctx, "lazy")
			require.NoError(t, err)
			assert.Zero(t, snap.RequestsThisMinute, "minute window rolled over")
			assert.Equal(t, int64(3), snap.ActionsThisWeek, "week window still open")
		})
	}
}

func TestMemoryLedger_WindowBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC)} // воскресенье
	l := NewMemoryLedger(clock.Now)
	ctx := context.Background()

	_, _ = l.Consume(ctx, "t1", domain.CounterRequestsMinute, 7)
	_, _ = l.Consume(ctx, "t1", domain.CounterActionsWeek, 4)
	_, _ = l.Consume(ctx, "t1", domain.CounterConcurrentRuns, 2)

	clock.Advance(2 * time.Second) // понедельник, новая неделя и новая минута

	snap, err := l.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, snap.RequestsThisMinute)
	assert.Zero(t, snap.ActionsThisWeek)
	assert.Equal(t, int64(2), snap.ConcurrentRuns, "concurrent runs have no window")

	v, err := l.Consume(ctx, "t1", domain.CounterActionsWeek, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestRedisLedger_WindowBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 31, 23, 59, 0, 0, time.UTC)}
	l, mr := newRedisLedger(t, clock.Now)
	ctx := context.Background()

	_, err := l.Consume(ctx, "t1", domain.CounterTokensMonth, 500)
	require.NoError(t, err)
	assert.True(t, mr.Exists("governor:quota:t1:tokens_month:mo202610"))

	clock.Advance(2 * time.Minute)
	snap, err := l.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, snap.TokensThisMonth, "new month starts from zero without a sweep")
}

func TestLedger_ConsumeCappedRace(t *testing.T) {
	const (
		writers = 50
		limit   = 10
	)
	clock := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := l.ConsumeCapped(ctx, "race", domain.CounterActionsWeek, 1, limit)
					if err == nil && ok {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()

			snap, err := l.Snapshot(ctx, "race")
			require.NoError(t, err)
			assert.Equal(t, int32(limit), granted.Load())
			assert.LessOrEqual(t, snap.ActionsThisWeek, int64(limit))
			assert.GreaterOrEqual(t, snap.ActionsThisWeek, int64(0))
		})
	}
}

func TestLedger_ReleaseNeverNegative(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Consume(ctx, "t1", domain.CounterConcurrentRuns, 1)
			require.NoError(t, err)

			v, err := l.Release(ctx, "t1", domain.CounterConcurrentRuns, 3)
			require.NoError(t, err)
			assert.Equal(t, 0.0, v)

			_, err = l.Release(ctx, "t1", domain.CounterActionsWeek, 1)
			assert.ErrorIs(t, err, ErrNotReleasable)
		})
	}
}

func TestLedger_RejectsBadInput(t *testing.T) {
	l := NewMemoryLedger(nil)
	ctx := context.Background()

	_, err := l.Consume(ctx, "t1", domain.CounterSpendDay, -1)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = l.Consume(ctx, "t1", domain.Counter("bogus"), 1)
	assert.ErrorIs(t, err, ErrUnknownCounter)
}

func TestLedger_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = l.Consume(ctx, "t1", domain.CounterSpendDay, 12)
			require.NoError(t, l.Reset(ctx, "t1", domain.CounterSpendDay))

			snap, err := l.Snapshot(ctx, "t1")
			require.NoError(t, err)
			assert.Zero(t, snap.SpendToday)
		})
	}
}

func TestRedisLedger_StoreUnavailable(t *testing.T) {
	l, mr := newRedisLedger(t, nil)
	mr.Close()

	_, err := l.Consume(context.Background(), "t1", domain.CounterActionsWeek, 1)
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
}
