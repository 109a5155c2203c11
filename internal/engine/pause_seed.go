package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/infra"
)

// KEYS[1]: множество пауз; KEYS[2]: отметка, что сид уже применялся.
// ARGV: типы агентов из конфига.
// -1: кластер уже засеян, 0: множество непустое, n: добавлено n типов.
var seedPausedScript = redis.NewScript(`
if redis.call('SETNX', KEYS[2], '1') == 0 then
	return -1
end
if redis.call('SCARD', KEYS[1]) > 0 then
	return 0
end
for i = 1, #ARGV do
	redis.call('SADD', KEYS[1], ARGV[i])
end
return #ARGV
`)

// seedPaused один раз за жизнь кластера кладет паузы из конфига в Redis.
// Дальше множеством владеют операторы и супервизор: снятая пауза после
// рестарта из сида не возвращается.
func (m *PauseManager) seedPaused(ctx context.Context) error {
	if len(m.seed) == 0 {
		return nil
	}
	keys := []string{infra.RedisKeyPausedAgents, infra.RedisKeyPausedSeeded}
	args := make([]any, len(m.seed))
	for i, id := range m.seed {
		args[i] = id
	}

	n, err := seedPausedScript.Run(ctx, m.rdb, keys, args...).Int64()
	if err != nil {
		return err
	}
	switch {
	case n > 0:
		m.logger.Info("paused set seeded from config", zap.Int64("agents", n))
	case n == 0:
		m.logger.Info("paused set already populated, config seed ignored")
	}
	return nil
}
