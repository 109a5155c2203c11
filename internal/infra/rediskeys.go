package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "governor"
)

// Ключи для Sets (состояние)
const (
	RedisKeyPausedAgents = RedisNamespace + ":agents:paused_set"
	RedisKeyPausedSeeded = RedisNamespace + ":agents:paused_seeded"
)

// Каналы Pub/Sub (события)
const (
	RedisChanPause        = RedisNamespace + ":agents:pause-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":tenants:policy-update"
	RedisChanAlerts       = RedisNamespace + ":ops:alerts"
)

// QuotaKey: ключ счетчика тенанта в конкретном окне. window пуст для бессрочных счетчиков.
func QuotaKey(tenantID, counter, window string) string {
	if window == "" {
		return fmt.Sprintf("%s:quota:%s:%s", RedisNamespace, tenantID, counter)
	}
	return fmt.Sprintf("%s:quota:%s:%s:%s", RedisNamespace, tenantID, counter, window)
}

// RunKey: hash допущенного прогона, поля "tenant" и отметки закрытых шагов.
func RunKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", RedisNamespace, runID)
}
