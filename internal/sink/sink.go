package sink

/*
Best-effort запись в хранилище для горячего пути классификатора.

Решение по действию уже принято к моменту записи: сбой хранилища не должен
ни откатить его, ни заблокировать обработку следующих действий батча.
Поэтому каждая операция:
- ограничена таймаутом на попытку;
- повторяется ограниченное число раз с экспоненциальной задержкой;
- идет через Circuit Breaker: при открытом предохранителе хранилище не дергаем вовсе;
- возвращает Result, а не панику или проглоченную ошибку, и учитывается в метриках.
*/

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/domain"
)

// FailureObserver учитывает неудачные записи (Prometheus в проде).
type FailureObserver interface {
	PersistenceFailed(op string)
	BreakerStateChanged(name string, open bool)
}

type Settings struct {
	Name        string
	Timeout     time.Duration // на одну попытку
	Attempts    uint
	MaxRequests uint32
	Interval    time.Duration
	OpenTimeout time.Duration // время, через которое CB попробует "закрыться"
	MaxFailures uint32
}

func (s Settings) withDefaults() Settings {
	if s.Name == "" {
		s.Name = "governor-store"
	}
	if s.Timeout <= 0 {
		s.Timeout = 2 * time.Second
	}
	if s.Attempts == 0 {
		s.Attempts = 3
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	return s
}

// Result различает "решение принято, запись не удалась" и успешную запись.
type Result struct {
	Op       string
	Err      error
	Attempts uint
	// Rejected: предохранитель открыт, попыток записи не было.
	Rejected bool
}

func (r Result) OK() bool { return r.Err == nil }

type Sink struct {
	cb       *gobreaker.CircuitBreaker
	settings Settings
	observer FailureObserver
	logger   *zap.Logger
}

func New(settings Settings, observer FailureObserver, logger *zap.Logger) *Sink {
	settings = settings.withDefaults()
	s := &Sink{
		settings: settings,
		observer: observer,
		logger:   logger.Named("sink"),
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if s.observer != nil {
				s.observer.BreakerStateChanged(name, to == gobreaker.StateOpen)
			}
		},
	})
	return s
}

// Do выполняет fn через Circuit Breaker с ретраями и таймаутом на каждую попытку.
func (s *Sink) Do(ctx context.Context, op string, fn func(ctx context.Context) error) Result {
	res := Result{Op: op}

	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.settings.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			res.Attempts++
			tCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	if err == nil {
		return res
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		res.Rejected = true
	}
	res.Err = &domain.StoreUnavailableError{Op: op, Err: err}

	if s.observer != nil {
		s.observer.PersistenceFailed(op)
	}
	s.logger.Warn("best-effort write failed",
		zap.String("op", op),
		zap.Uint("attempts", res.Attempts),
		zap.Bool("breaker_open", res.Rejected),
		zap.Error(err))
	return res
}

// State: текущее состояние предохранителя (для /health).
func (s *Sink) State() string {
	return s.cb.State().String()
}
