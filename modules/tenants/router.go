package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quizforge/quizforge/pkg/tenant"
)

// CreateTenantRequest is the body of POST /tenants.
type CreateTenantRequest struct {
	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email"`
}

// TenantResponse is the wire shape of a catalog record. Credentials
// are present only on the response to a successful create or retry,
// the temp password is never stored and cannot be fetched again.
type TenantResponse struct {
	*tenant.Tenant
	Credentials *AdminCredentials `json:"admin_credentials,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router exposes the tenant lifecycle API. It is meant to be mounted
// on an operator-facing surface, not behind the tenant middleware.
//
//	r.Mount("/tenants", tenants.Router(svc, log))
func Router(svc *Service, log *slog.Logger) chi.Router {
	h := &httpHandler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{tenantID}", h.get)
	r.Delete("/{tenantID}", h.remove)
	r.Get("/{tenantID}/stats", h.stats)
	r.Post("/migrate", h.migrateAll)
	r.Post("/{tenantID}/retry", h.retry)
	r.Post("/{tenantID}/migrate", h.migrate)
	r.Post("/{tenantID}/suspend", h.suspend)
	r.Post("/{tenantID}/resume", h.resume)
	return r
}

type httpHandler struct {
	svc *Service
	log *slog.Logger
}

func (h *httpHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.Join(ErrInvalidInput, err))
		return
	}

	t, creds, err := h.svc.CreateTenant(r.Context(), req.Name, req.OwnerEmail)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, TenantResponse{Tenant: t, Credentials: creds})
}

func (h *httpHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = tenant.Status(status)
		if !filter.Status.Valid() {
			h.writeError(w, r, http.StatusBadRequest, errors.Join(ErrInvalidInput, errors.New("unknown status filter")))
			return
		}
	}

	list, err := h.svc.ListTenants(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *httpHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.GetTenant(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TenantResponse{Tenant: t})
}

func (h *httpHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteTenant(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// The schema drop happens after the drain window, so the delete is
	// accepted rather than completed.
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"tenant_id": id.String(),
		"status":    string(tenant.StatusDeleting),
	})
}

func (h *httpHandler) stats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.GetStats(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *httpHandler) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	t, creds, err := h.svc.RetryProvision(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TenantResponse{Tenant: t, Credentials: creds})
}

// MigrateRequest is the body of the migrate endpoints.
type MigrateRequest struct {
	TargetVersion int `json:"target_version"`
}

func (h *httpHandler) migrate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.Join(ErrInvalidInput, err))
		return
	}
	t, err := h.svc.MigrateTenant(r.Context(), id, req.TargetVersion)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TenantResponse{Tenant: t})
}

func (h *httpHandler) migrateAll(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.Join(ErrInvalidInput, err))
		return
	}
	if err := h.svc.MigrateAllTenants(r.Context(), req.TargetVersion); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) suspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.svc.Suspend, tenant.StatusSuspended)
}

func (h *httpHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.svc.Resume, tenant.StatusActive)
}

func (h *httpHandler) setStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error, next tenant.Status) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": id.String(),
		"status":    string(next),
	})
}

func (h *httpHandler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.Join(ErrInvalidInput, tenant.ErrInvalidIdentifier))
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain sentinels onto HTTP status codes.
func (h *httpHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, tenant.ErrTenantNotFound):
		h.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, ErrDuplicateTenant):
		h.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, tenant.ErrInvalidTransition):
		h.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, tenant.ErrTenantNotActive):
		h.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, ErrUnknownVersion):
		h.writeError(w, r, http.StatusBadRequest, err)
	default:
		h.writeError(w, r, http.StatusInternalServerError, err)
	}
}

func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "tenant API request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
