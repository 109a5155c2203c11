package handler

import (
	"net/http"

	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает действующую политику. Для тенанта без записи: консервативный дефолт (fallback=true).
// GET /v1/tenants/{tenantID}/policy
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Update: PUT /v1/tenants/{tenantID}/policy. Поля frozen/frozen_reason игнорируются.
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var p domain.TenantPolicy
	if !decodeBody(w, r, &p) {
		return
	}
	p.TenantID = tenantID

	saved, err := h.service.Update(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type freezeBody struct {
	Reason string `json:"reason"`
}

// Freeze: POST /v1/tenants/{tenantID}/freeze
func (h *PolicyHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, true)
}

// Unfreeze: POST /v1/tenants/{tenantID}/unfreeze
func (h *PolicyHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.setFrozen(w, r, false)
}

func (h *PolicyHandler) setFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body freezeBody
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	p, err := h.service.SetFrozen(r.Context(), tenantID, frozen, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
