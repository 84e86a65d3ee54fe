package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password, mfaCode string) (*models.LoginResult, error)
	Logout(ctx context.Context, userID string)
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	sessions *auth.SessionManager
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. tokenTTL is the lifetime of the
// token cookie and should match the web token expiry.
func NewAuthHandler(service AuthServiceInterface, sessions *auth.SessionManager, tokenTTL time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		tokenTTL: tokenTTL,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	MFACode  string `json:"mfaCode" validate:"omitempty,max=20"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=128"`
	FirstName string `json:"firstName" validate:"required,min=1,max=100"`
	LastName  string `json:"lastName" validate:"required,min=1,max=100"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
}

func (r *LoginRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.MFACode = strings.TrimSpace(r.MFACode)
}

func (r *RegisterRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required,max=128"`
	NewPassword     string `json:"newPassword" validate:"required,max=128"`
}

// ForgotPasswordRequest represents the request body for a reset link
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

func (r *ForgotPasswordRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
}

// ResetPasswordRequest represents the request body for completing a reset
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

// Response DTOs

// LoginResponse is returned by a successful login
type LoginResponse struct {
	User                   *models.UserResponse `json:"user,omitempty"`
	MFARequired            bool                 `json:"mfaRequired,omitempty"`
	MFASetupRequired       bool                 `json:"mfaSetupRequired,omitempty"`
	ChangePasswordRequired bool                 `json:"changePasswordRequired,omitempty"`
	Message                string               `json:"message,omitempty"`
}

// MessageResponse is a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}

const registrationAccepted = "Registration received. If the email is not already registered, you can now sign in."

// Login handles POST /api/auth/login.
// A user with MFA enabled who sent no code gets 200 with mfaRequired set and
// no session. A locked account gets 423 with the lock expiry.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, req.MFACode)
	if errors.Is(err, models.ErrMFARequired) {
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
			MFARequired: true,
			Message:     "Enter the code from your authenticator app",
		})
		return nil
	}
	if err != nil {
		return err
	}

	// Fresh session id on every login.
	if _, err := h.sessions.Regenerate(r.Context(), w, auth.SessionFromContext(r.Context()), result.User.ID, result.User.Role); err != nil {
		return pkghttp.NewInternalError(err)
	}
	auth.SetTokenCookie(w, result.Token, h.tokenTTL, h.sessions.Cookies())

	resp := result.User.ToResponse()
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		User:                   &resp,
		MFASetupRequired:       result.MFASetupRequired,
		ChangePasswordRequired: result.ChangePasswordRequired,
	})
	return nil
}

// Register handles POST /api/auth/register.
// An existing email gets the same 202 as a new registration.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) error {
	var req RegisterRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	_, err := h.service.Register(r.Context(), services.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil && !errors.Is(err, models.ErrConflict) {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: registrationAccepted})
	return nil
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) error {
	if user := auth.GetUserFromContext(r); user != nil {
		h.service.Logout(r.Context(), user.ID)
	}

	if err := h.sessions.Destroy(r.Context(), w, auth.SessionFromContext(r.Context())); err != nil {
		h.logger.Warn("failed to destroy session on logout", slog.String("error", err.Error()))
	}
	auth.ClearTokenCookie(w, h.sessions.Cookies())

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Logged out"})
	return nil
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, user.ToResponse())
	return nil
}

// ChangePassword handles POST /api/auth/change-password.
// The session is reissued so the old id cannot be replayed.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	var req ChangePasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}
	if req.CurrentPassword == req.NewPassword {
		return pkghttp.NewValidationError("New password must differ from the current password", nil)
	}

	if err := h.service.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			return pkghttp.NewAuthenticationError("Current password is incorrect")
		}
		return err
	}

	if _, err := h.sessions.Regenerate(r.Context(), w, auth.SessionFromContext(r.Context()), user.ID, user.Role); err != nil {
		h.logger.Warn("failed to regenerate session after password change", slog.String("error", err.Error()))
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Password changed"})
	return nil
}

// ForgotPassword handles POST /api/auth/forgot-password.
// The response is identical whether or not the account exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) error {
	var req ForgotPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.logger.Error("password reset request failed", slog.String("error", err.Error()))
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{
		Message: "If an account exists for that email, a password reset link has been sent.",
	})
	return nil
}

// ResetPassword handles POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) error {
	var req ResetPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Password has been reset. You can now sign in."})
	return nil
}

// SessionStatus handles GET /api/auth/session-status. Polling it does not
// count as activity.
func (h *AuthHandler) SessionStatus(w http.ResponseWriter, r *http.Request) error {
	pkghttp.WriteJSON(w, http.StatusOK, h.sessions.Status(auth.SessionFromContext(r.Context())))
	return nil
}
