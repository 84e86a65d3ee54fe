package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// AdminServiceInterface defines the admin account-security and dashboard contract.
type AdminServiceInterface interface {
	LockUser(ctx context.Context, actor *models.User, id string, until *time.Time) error
	UnlockUser(ctx context.Context, actor *models.User, id string) error
	DisableMFA(ctx context.Context, actor *models.User, id string) error
	RemoveDevice(ctx context.Context, actor *models.User, id, deviceID string) (bool, error)
	RotateSecret(ctx context.Context, actor *models.User) (models.SecretVersion, error)
	GetDashboardStats(ctx context.Context) (*services.DashboardStatsResponse, error)
	GetRecentActivity(ctx context.Context, limit int) (*services.DashboardActivityResponse, error)
}

// AuditReader serves the security event views.
type AuditReader interface {
	ListEvents(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	ComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error)
}

// AdminHandler handles admin dashboard and account-security HTTP requests.
type AdminHandler struct {
	service AdminServiceInterface
	audit   AuditReader
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, audit AuditReader) *AdminHandler {
	return &AdminHandler{service: service, audit: audit}
}

// LockUserRequest locks an account. Without Until the lock lasts until an
// administrator removes it.
type LockUserRequest struct {
	Until *time.Time `json:"until"`
}

// SecurityEventsResponse is a page of audit entries.
type SecurityEventsResponse struct {
	Events []*models.AuditLog `json:"events"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// RotateSecretResponse describes the new signing secret without revealing it.
type RotateSecretResponse struct {
	CreatedAt time.Time `json:"createdAt"`
	Message   string    `json:"message"`
}

// RegisterUserRoutes registers account-security actions on a router
// mounted at /users.
func (h *AdminHandler) RegisterUserRoutes(router chi.Router, wrap func(HandlerFunc) http.HandlerFunc) {
	router.Post("/{id}/lock", wrap(h.LockUser))
	router.Post("/{id}/unlock", wrap(h.UnlockUser))
	router.Post("/{id}/disable-mfa", wrap(h.DisableMFA))
	router.Delete("/{id}/devices/{deviceID}", wrap(h.RemoveDevice))
}

// LockUser handles POST /api/admin/users/{id}/lock
func (h *AdminHandler) LockUser(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	var req LockUserRequest
	if err := decodeOptionalRequest(w, r, &req); err != nil {
		return err
	}
	if req.Until != nil && !req.Until.After(time.Now()) {
		return pkghttp.NewValidationError("until must be in the future", nil)
	}

	if err := h.service.LockUser(r.Context(), actor, chi.URLParam(r, "id"), req.Until); err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Account locked"})
	return nil
}

// UnlockUser handles POST /api/admin/users/{id}/unlock
func (h *AdminHandler) UnlockUser(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	if err := h.service.UnlockUser(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Account unlocked"})
	return nil
}

// DisableMFA handles POST /api/admin/users/{id}/disable-mfa
func (h *AdminHandler) DisableMFA(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	if err := h.service.DisableMFA(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "MFA disabled"})
	return nil
}

// RemoveDevice handles DELETE /api/admin/users/{id}/devices/{deviceID}
func (h *AdminHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	removed, err := h.service.RemoveDevice(r.Context(), actor, chi.URLParam(r, "id"), chi.URLParam(r, "deviceID"))
	if err != nil {
		return err
	}
	if !removed {
		return pkghttp.NewNotFoundError("Device not found")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// RotateSecret handles POST /api/admin/secrets/rotate (superadmin only)
func (h *AdminHandler) RotateSecret(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	version, err := h.service.RotateSecret(r.Context(), actor)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, RotateSecretResponse{
		CreatedAt: version.CreatedAt,
		Message:   "Signing secret rotated. Existing tokens stay valid for the grace period.",
	})
	return nil
}

// SecurityEvents handles GET /api/admin/security-events
// Filters: userId, eventType, severity, since (RFC 3339), limit, offset.
func (h *AdminHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) error {
	limit, offset, err := pagination(r, 100, 500)
	if err != nil {
		return err
	}

	q := r.URL.Query()
	filter := models.AuditLogFilter{
		UserID:    q.Get("userId"),
		EventType: q.Get("eventType"),
		Severity:  q.Get("severity"),
		Limit:     limit,
		Offset:    offset,
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return pkghttp.NewBadRequestError("Invalid since parameter")
		}
		filter.Since = &since
	}

	events, err := h.audit.ListEvents(r.Context(), filter)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*models.AuditLog{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, SecurityEventsResponse{Events: events, Limit: limit, Offset: offset})
	return nil
}

// ComplianceReport handles GET /api/admin/compliance-report
// Accepts optional query param ?days=N (1–365, default 30).
func (h *AdminHandler) ComplianceReport(w http.ResponseWriter, r *http.Request) error {
	days := 30
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := parseIntParam(d, 1, 365)
		if err != nil {
			return pkghttp.NewBadRequestError("Invalid days parameter")
		}
		days = n
	}

	report, err := h.audit.ComplianceReport(r.Context(), time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
	return nil
}

// GetDashboardStats handles GET /api/admin/dashboard/stats
func (h *AdminHandler) GetDashboardStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.service.GetDashboardStats(r.Context())
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, stats)
	return nil
}

// GetRecentActivity handles GET /api/admin/dashboard/activity
// Accepts optional query param ?limit=N (1–20, default 20).
func (h *AdminHandler) GetRecentActivity(w http.ResponseWriter, r *http.Request) error {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	activity, err := h.service.GetRecentActivity(r.Context(), limit)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, activity)
	return nil
}
