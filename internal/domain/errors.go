package domain

import (
	"errors"
	"fmt"
)

// ErrSchema: батч структурно некорректен, квоты не тронуты.
var ErrSchema = errors.New("schema error")

// ErrUnknownRun: run_id не выдавался гейтом этому тенанту или уже истек.
var ErrUnknownRun = errors.New("unknown run")

// ConfigurationError: политика тенанта отсутствует или битая. Батч уходит в pending целиком.
type ConfigurationError struct {
	TenantID string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: tenant %q: %s", e.TenantID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError: некорректно одно действие, остальной батч обрабатывается.
type ValidationError struct {
	ActionID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.ActionID == "" {
		return fmt.Sprintf("invalid action: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid action %s: %s %s", e.ActionID, e.Field, e.Reason)
}

// StoreUnavailableError: хранилище не ответило. Решение остается в силе.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsStoreUnavailable: удобная проверка для хендлеров.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}
