// Package health сводит метрики платформы в вердикт и выдает директивы троттлинга.
// Обе функции чистые: применение директив живет в engine.
package health

import "github.com/xela07ax/governor/internal/domain"

type Thresholds struct {
	ErrorElevated float64 // доля ошибок, с которой начинается elevated
	ErrorCritical float64
	LatencySlowMs float64
	LatencyCritMs float64
	QuotaWarning  float64
	QuotaExceeded float64

	RetryStorm   int     // retry-ошибок одного типа агента за окно
	PauseBelow   float64 // successRate, ниже которого агент ставится на паузу
	// ChronicBelow: successRate с паттернами ошибок, ниже которого агенту
	// урезаются токены. Вне фиксированной таблицы директив, 0 выключает.
	ChronicBelow float64
}

var DefaultThresholds = Thresholds{
	ErrorElevated: 0.05,
	ErrorCritical: 0.30,
	LatencySlowMs: 5_000,
	LatencyCritMs: 15_000,
	QuotaWarning:  0.80,
	QuotaExceeded: 1.00,
	RetryStorm:    3,
	PauseBelow:    0.5,
}

type Input struct {
	Metrics domain.SystemMetrics
	// QuotaUsage: max(tokens/budget, spend/dailyCap), см. QuotaSnapshot.UsageRatio.
	QuotaUsage float64
}

// Evaluate считает вердикт с порогами по умолчанию.
func Evaluate(in Input) domain.HealthVerdict {
	return DefaultThresholds.Evaluate(in)
}

// Evaluate: худшее измерение определяет итог, полосы не усредняются.
func (t Thresholds) Evaluate(in Input) domain.HealthVerdict {
	m := in.Metrics.Normalize()

	var ratio float64
	if m.TotalRequests > 0 {
		ratio = float64(m.FailedRequests) / float64(m.TotalRequests)
	}

	v := domain.HealthVerdict{
		ErrorRatio:   ratio,
		QuotaUsage:   in.QuotaUsage,
		AvgLatencyMs: m.AvgLatencyMs,
	}

	switch {
	case ratio >= t.ErrorCritical:
		v.ErrorRate = domain.ErrorRateCritical
	case ratio >= t.ErrorElevated:
		v.ErrorRate = domain.ErrorRateElevated
	default:
		v.ErrorRate = domain.ErrorRateNormal
	}

	switch {
	case m.AvgLatencyMs >= t.LatencyCritMs:
		v.Latency = domain.LatencyCritical
	case m.AvgLatencyMs >= t.LatencySlowMs:
		v.Latency = domain.LatencySlow
	default:
		v.Latency = domain.LatencyNormal
	}

	switch {
	case in.QuotaUsage >= t.QuotaExceeded:
		v.QuotaStatus = domain.QuotaExceeded
	case in.QuotaUsage >= t.QuotaWarning:
		v.QuotaStatus = domain.QuotaWarning
	default:
		v.QuotaStatus = domain.QuotaOK
	}

	switch {
	case v.ErrorRate == domain.ErrorRateCritical,
		v.Latency == domain.LatencyCritical,
		v.QuotaStatus == domain.QuotaExceeded:
		v.Overall = domain.HealthCritical
	case v.ErrorRate == domain.ErrorRateElevated,
		v.Latency == domain.LatencySlow,
		v.QuotaStatus == domain.QuotaWarning:
		v.Overall = domain.HealthDegraded
	default:
		v.Overall = domain.HealthHealthy
	}
	return v
}
