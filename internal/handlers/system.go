package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/middleware"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// HealthChecker pings a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SystemHandler serves health and CSRF bootstrap endpoints.
type SystemHandler struct {
	db      HealthChecker
	cookies auth.CookieConfig
	logger  *slog.Logger
}

func NewSystemHandler(db HealthChecker, cookies auth.CookieConfig, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{db: db, cookies: cookies, logger: logger}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health handles GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		pkghttp.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Database: "unreachable"})
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}

// CSRFTokenResponse carries a fresh CSRF token
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// CSRFToken handles GET /api/csrf-token
func (h *SystemHandler) CSRFToken(w http.ResponseWriter, r *http.Request) error {
	token, err := middleware.IssueCSRFToken(w, h.cookies)
	if err != nil {
		return pkghttp.NewInternalError(err)
	}
	pkghttp.WriteJSON(w, http.StatusOK, CSRFTokenResponse{CSRFToken: token})
	return nil
}
