package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// MFAServiceInterface is the MFA capability used by MFAHandler
type MFAServiceInterface interface {
	GenerateSecret(accountName string) (*models.MFASetup, error)
	Enable(ctx context.Context, userID, secret, token string) ([]string, error)
	Disable(ctx context.Context, userID, actorID string) error
	VerifyLoginCode(ctx context.Context, user *models.User, code string) bool
	Status(ctx context.Context, userID string) (*models.MFAStatus, error)
}

// MFAHandler handles MFA-related HTTP requests. The enrollment secret lives
// in the server session until the first code is verified.
type MFAHandler struct {
	mfaService MFAServiceInterface
	sessions   *auth.SessionManager
	logger     *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(mfaService MFAServiceInterface, sessions *auth.SessionManager, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		mfaService: mfaService,
		sessions:   sessions,
		logger:     logger,
	}
}

// Status handles GET /api/mfa/status
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	status, err := h.mfaService.Status(r.Context(), user.ID)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, status)
	return nil
}

// Setup handles POST /api/mfa/setup. Calling it again restarts enrollment
// with a new secret.
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return pkghttp.NewConflictError("MFA is already enabled")
	}

	session := auth.SessionFromContext(r.Context())
	if session == nil {
		return pkghttp.NewAuthenticationError("Session required")
	}

	setup, err := h.mfaService.GenerateSecret(user.Email)
	if err != nil {
		return err
	}

	session.MFAEnrollment = &models.MFAEnrollment{
		State:     models.MFAPendingVerification,
		Secret:    setup.Secret,
		StartedAt: time.Now().UTC(),
	}
	if err := h.sessions.Save(r.Context(), w, session); err != nil {
		return pkghttp.NewInternalError(err)
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFASetupResponse{
		QRCode:     setup.QRCode,
		Secret:     setup.Secret,
		OTPAuthURL: setup.URI,
	})
	return nil
}

// Verify handles POST /api/mfa/verify, completing enrollment.
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	var req VerifyMFASetupRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	session := auth.SessionFromContext(r.Context())
	var enrollment *models.MFAEnrollment
	if session != nil {
		enrollment = session.MFAEnrollment
	}
	secret, ok := enrollment.Pending()
	if !ok {
		return models.ErrMFANotPending
	}

	codes, err := h.mfaService.Enable(r.Context(), user.ID, secret, req.Token)
	if err != nil {
		return err
	}

	session.MFAEnrollment = &models.MFAEnrollment{State: models.MFAEnabled}
	if err := h.sessions.Save(r.Context(), w, session); err != nil {
		h.logger.Warn("failed to clear MFA enrollment from session", slog.String("error", err.Error()))
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyMFASetupResponse{
		MFAEnabled:  true,
		BackupCodes: codes,
		Message:     "MFA has been enabled. Store these backup codes somewhere safe.",
	})
	return nil
}

// Disable handles POST /api/mfa/disable. Roles that must use MFA cannot
// turn it off for themselves.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return pkghttp.NewBadRequestError("MFA is not enabled")
	}
	if user.Role == models.RoleAdmin || user.Role == models.RoleProvider {
		return pkghttp.NewAuthorizationError("MFA is required for your role")
	}

	var req DisableMFARequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}
	if !h.mfaService.VerifyLoginCode(r.Context(), user, req.Code) {
		return models.ErrInvalidMFACode
	}

	if err := h.mfaService.Disable(r.Context(), user.ID, user.ID); err != nil {
		return err
	}

	if session := auth.SessionFromContext(r.Context()); session != nil {
		session.MFAEnrollment = nil
		if err := h.sessions.Save(r.Context(), w, session); err != nil {
			h.logger.Warn("failed to update session after MFA disable", slog.String("error", err.Error()))
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "MFA has been disabled"})
	return nil
}
