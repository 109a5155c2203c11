package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/governor/internal/console/service"
	"github.com/xela07ax/governor/internal/domain"
	"github.com/xela07ax/governor/internal/infra/auth"
)

type ApprovalHandler struct {
	service *service.ApprovalService
}

func NewApprovalHandler(s *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if c, ok := auth.FromContext(r.Context()); ok && !c.CanAccessTenant(e.TenantID) {
		writeError(w, service.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// List: GET /v1/approvals?tenant_id=&status=&limit=
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := domain.ApprovalStatus(q.Get("status"))
	if status == "" {
		status = domain.StatusPending // Дефолт для удобства админки
	}
	tenantID := q.Get("tenant_id")
	if c, ok := auth.FromContext(r.Context()); ok && c.TenantID != "" {
		tenantID = c.TenantID
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	list, err := h.service.List(r.Context(), tenantID, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Approved   bool   `json:"approved"`
	Comment    string `json:"comment"`
	ReviewerID string `json:"reviewer_id,omitempty"` // только без токена, иначе берется subject
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	reviewerID := req.ReviewerID
	if c, ok := auth.FromContext(r.Context()); ok {
		reviewerID = c.Subject
		if c.TenantID != "" {
			e, err := h.service.Get(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			if !c.CanAccessTenant(e.TenantID) {
				writeError(w, service.ErrNotFound)
				return
			}
		}
	}
	if reviewerID == "" {
		http.Error(w, "reviewer_id is required", http.StatusBadRequest)
		return
	}

	e, err := h.service.Decide(r.Context(), id, req.Approved, reviewerID, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
