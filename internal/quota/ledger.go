package quota

/*
Quota Ledger: единственное изменяемое разделяемое состояние плоскости управления.

- Счетчики живут в окнах (минута, день, ISO-неделя, месяц). Сброс ленивый:
  значение из прошлого окна читается как ноль, фоновой очистки нет.
- Consume атомарен в пределах tenant+counter. Разные тенанты не конкурируют.
- ConsumeCapped делает check-and-increment одним шагом, поэтому гонка
  писателей против лимита K не уводит счетчик дальше K.
- concurrent_runs: единственный счетчик, который уменьшается (Release), и никогда не уходит ниже нуля.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/governor/internal/domain"
)

var (
	ErrNegativeAmount = errors.New("quota: amount must not be negative")
	ErrUnknownCounter = errors.New("quota: unknown counter")
	ErrNotReleasable  = errors.New("quota: only concurrent_runs can be released")
)

// Ledger: контракт учета потребления.
type Ledger interface {
	Consume(ctx context.Context, tenantID string, c domain.Counter, amount float64) (float64, error)
	ConsumeCapped(ctx context.Context, tenantID string, c domain.Counter, amount, limit float64) (float64, bool, error)
	Release(ctx context.Context, tenantID string, c domain.Counter, amount float64) (float64, error)
	Snapshot(ctx context.Context, tenantID string) (domain.QuotaSnapshot, error)
	Reset(ctx context.Context, tenantID string, c domain.Counter) error
}

func checkArgs(c domain.Counter, amount float64) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCounter, c)
	}
	if amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Clock позволяет тестам двигать время через границы окон.
type Clock func() time.Time
