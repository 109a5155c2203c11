package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/governor/internal/infra"
)

// PauseManager: типы агентов, поставленные на паузу директивой pause_agent.
// Источник истины: Redis set, каждый инстанс держит копию в RAM и
// обновляет ее по сигналам "agentType:on|off".
type PauseManager struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	seed   []string

	mu     sync.RWMutex
	paused map[string]struct{}
}

func NewPauseManager(rdb redis.UniversalClient, seed []string, logger *zap.Logger) *PauseManager {
	return &PauseManager{
		rdb:    rdb,
		seed:   seed,
		paused: make(map[string]struct{}),
		logger: logger.Named("pause"),
	}
}

// Init загружает текущее состояние пауз при старте сервиса.
func (m *PauseManager) Init(ctx context.Context) error {
	if err := m.seedPaused(ctx); err != nil {
		return fmt.Errorf("pause: seed paused set: %w", err)
	}
	return m.sync(ctx)
}

// sync перечитывает множество из Redis: за время разрыва сигналы могли потеряться.
func (m *PauseManager) sync(ctx context.Context) error {
	agents, err := m.rdb.SMembers(ctx, infra.RedisKeyPausedAgents).Result()
	if err != nil {
		return fmt.Errorf("pause: load paused set: %w", err)
	}
	m.replace(agents)
	return nil
}

func (m *PauseManager) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.paused = next
	m.mu.Unlock()
}

// StartListener подписывается на сигналы паузы в реальном времени.
func (m *PauseManager) StartListener(ctx context.Context) {
	infra.ListenResilient(ctx, m.rdb, m.logger, infra.RedisChanPause,
		func() error { return m.sync(ctx) }, // Переподключение
		func(payload string) {
			id, on, ok := infra.ParseSignal(payload)
			if !ok {
				m.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			m.set(id, on)
		},
	)
}

func (m *PauseManager) set(agentType string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.paused[agentType] = struct{}{}
	} else {
		delete(m.paused, agentType)
	}
}

// Pause ставит тип агента на паузу во всех инстансах.
func (m *PauseManager) Pause(ctx context.Context, agentType, reason string) error {
	m.set(agentType, true)
	if err := m.rdb.SAdd(ctx, infra.RedisKeyPausedAgents, agentType).Err(); err != nil {
		return fmt.Errorf("pause: save %s: %w", agentType, err)
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanPause, agentType+":on").Err(); err != nil {
		return fmt.Errorf("pause: signal %s: %w", agentType, err)
	}
	m.logger.Warn("agent type paused", zap.String("agent_type", agentType), zap.String("reason", reason))
	return nil
}

// Resume снимает паузу. Вызывается оператором.
func (m *PauseManager) Resume(ctx context.Context, agentType string) error {
	m.set(agentType, false)
	if err := m.rdb.SRem(ctx, infra.RedisKeyPausedAgents, agentType).Err(); err != nil {
		return fmt.Errorf("pause: remove %s: %w", agentType, err)
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanPause, agentType+":off").Err(); err != nil {
		return fmt.Errorf("pause: signal %s: %w", agentType, err)
	}
	m.logger.Info("agent type resumed", zap.String("agent_type", agentType))
	return nil
}

// IsPaused: максимально быстрый метод для проверки в Hot Path
func (m *PauseManager) IsPaused(agentType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.paused[agentType]
	return ok
}

func (m *PauseManager) List() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.paused))
	for id := range m.paused {
		out = append(out, id)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}
