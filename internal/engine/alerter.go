package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra"
)

// Alert: сообщение дежурным в канал infra.RedisChanAlerts.
type Alert struct {
	Type     domain.DirectiveType `json:"type"`
	Target   string               `json:"target,omitempty"`
	Severity domain.Severity      `json:"severity"`
	Reason   string               `json:"reason"`
	Advisory bool                 `json:"advisory"` // true: рекомендация, автоматически не применялась
	At       time.Time            `json:"at"`
}

// RedisAlerter публикует алерты в Pub/Sub. Больше AlertsPerMin в минуту
// не отправляет: при деградации супервизор повторяет одни и те же директивы на каждом тике.
type RedisAlerter struct {
	rdb     redis.UniversalClient
	limiter *rate.Limiter
	logger  *zap.Logger
	onDrop  func()
}

func NewRedisAlerter(rdb redis.UniversalClient, perMinute float64, logger *zap.Logger) *RedisAlerter {
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := int(perMinute)
	if burst < 1 {
		burst = 1
	}
	return &RedisAlerter{
		rdb:     rdb,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), burst),
		logger:  logger.Named("alerter"),
	}
}

// OnDrop регистрирует счетчик подавленных алертов (метрика).
func (a *RedisAlerter) OnDrop(fn func()) { a.onDrop = fn }

// Send возвращает false, если алерт подавлен лимитером.
func (a *RedisAlerter) Send(ctx context.Context, alert Alert) (bool, error) {
	if !a.limiter.Allow() {
		if a.onDrop != nil {
			a.onDrop()
		}
		a.logger.Warn("alert suppressed by rate limit",
			zap.String("type", string(alert.Type)),
			zap.String("target", alert.Target))
		return false, nil
	}

	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return false, fmt.Errorf("alerter: marshal: %w", err)
	}
	if err := a.rdb.Publish(ctx, infra.RedisChanAlerts, body).Err(); err != nil {
		return false, fmt.Errorf("alerter: publish: %w", err)
	}
	return true, nil
}
