package quota

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/governor/internal/domain"
)

type slot struct {
	window string
	value  float64
}

type tenantCounters struct {
	mu    sync.Mutex
	slots map[domain.Counter]*slot
}

// MemoryLedger: in-process реализация. Блокировка на тенанта, мапа тенантов под RWMutex.
type MemoryLedger struct {
	mu      sync.RWMutex
	tenants map[string]*tenantCounters
	now     Clock
}

func NewMemoryLedger(clock Clock) *MemoryLedger {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLedger{
		tenants: make(map[string]*tenantCounters),
		now:     clock,
	}
}

func (l *MemoryLedger) tenant(id string) *tenantCounters {
	l.mu.RLock()
	t, ok := l.tenants[id]
	l.mu.RUnlock()
	if ok {
		return t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok = l.tenants[id]; !ok {
		t = &tenantCounters{slots: make(map[domain.Counter]*slot)}
		l.tenants[id] = t
	}
	return t
}

// current возвращает слот с учетом ленивого сброса. Вызывать под t.mu.
func (t *tenantCounters) current(c domain.Counter, window string) *slot {
	s, ok := t.slots[c]
	if !ok {
		s = &slot{window: window}
		t.slots[c] = s
	}
	if s.window != window {
		s.window = window
		s.value = 0
	}
	return s
}

func (l *MemoryLedger) Consume(_ context.Context, tenantID string, c domain.Counter, amount float64) (float64, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, err
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current(c, WindowFor(c, l.now()).ID)
	s.value += amount
	return s.value, nil
}

func (l *MemoryLedger) ConsumeCapped(_ context.Context, tenantID string, c domain.Counter, amount, limit float64) (float64, bool, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, false, err
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current(c, WindowFor(c, l.now()).ID)
	if s.value >= limit {
		return s.value, false, nil
	}
	s.value += amount
	return s.value, true, nil
}

func (l *MemoryLedger) Release(_ context.Context, tenantID string, c domain.Counter, amount float64) (float64, error) {
	if err := checkArgs(c, amount); err != nil {
		return 0, err
	}
	if c != domain.CounterConcurrentRuns {
		return 0, ErrNotReleasable
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.current(c, "")
	s.value -= amount
	if s.value < 0 {
		s.value = 0
	}
	return s.value, nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, tenantID string) (domain.QuotaSnapshot, error) {
	snap := domain.QuotaSnapshot{TenantID: tenantID}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.now()
	for _, c := range domain.Counters {
		snap.Set(c, t.current(c, WindowFor(c, now).ID).value)
	}
	return snap, nil
}

func (l *MemoryLedger) Reset(_ context.Context, tenantID string, c domain.Counter) error {
	if !c.Valid() {
		return ErrUnknownCounter
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, c)
	return nil
}
