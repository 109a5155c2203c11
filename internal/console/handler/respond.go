package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError раскладывает доменные ошибки по HTTP-кодам.
func writeError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrSchema):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrApprovalExpired),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrUnknownRun):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case domain.IsStoreUnavailable(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// tenantParam достает {tenantID} и проверяет, что токен тенанта не лезет в чужие данные.
func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return "", false
	}
	if c, ok := auth.FromContext(r.Context()); ok && !c.CanAccessTenant(tenantID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return tenantID, true
}
