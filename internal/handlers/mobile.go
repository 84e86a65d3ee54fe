package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// CredentialChecker verifies a password login without issuing a web token
type CredentialChecker interface {
	Authenticate(ctx context.Context, email, password, mfaCode string) (*models.User, error)
}

// DeviceTrustServiceInterface is the device trust capability used by MobileHandler
type DeviceTrustServiceInterface interface {
	GenerateVerificationCode(ctx context.Context, userID string, device services.DeviceInfo) (time.Time, error)
	VerifyDeviceCode(ctx context.Context, userID, deviceID, code string) (*models.TrustedDevice, error)
	IsDeviceTrusted(user *models.User, deviceID string) bool
	GenerateMobileAuthToken(ctx context.Context, user *models.User, deviceID string) (*services.MobileToken, error)
	RemoveTrustedDevice(ctx context.Context, userID, deviceID, actorID string) (bool, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]models.TrustedDevice, error)
}

// UserLookup resolves accounts by id or email
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// MobileHandler handles login and device management for the mobile app.
// Mobile clients authenticate with a bearer token, never a session.
type MobileHandler struct {
	credentials CredentialChecker
	devices     DeviceTrustServiceInterface
	users       UserLookup
}

// NewMobileHandler creates a new MobileHandler
func NewMobileHandler(credentials CredentialChecker, devices DeviceTrustServiceInterface, users UserLookup) *MobileHandler {
	return &MobileHandler{credentials: credentials, devices: devices, users: users}
}

// Login handles POST /api/mobile/login.
// A trusted device receives a mobile token. Any other device is sent a
// verification code and gets 202.
func (h *MobileHandler) Login(w http.ResponseWriter, r *http.Request) error {
	var req MobileLoginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	user, err := h.credentials.Authenticate(r.Context(), req.Email, req.Password, req.MFACode)
	if errors.Is(err, models.ErrMFARequired) {
		pkghttp.WriteJSON(w, http.StatusOK, MobileLoginResponse{MFARequired: true, Message: "Enter the code from your authenticator app"})
		return nil
	}
	if err != nil {
		return err
	}

	if h.devices.IsDeviceTrusted(user, req.DeviceID) {
		token, err := h.devices.GenerateMobileAuthToken(r.Context(), user, req.DeviceID)
		if err != nil {
			return err
		}
		resp := user.ToResponse()
		pkghttp.WriteJSON(w, http.StatusOK, MobileLoginResponse{Token: token.Token, ExpiresAt: &token.ExpiresAt, User: &resp})
		return nil
	}

	expiresAt, err := h.devices.GenerateVerificationCode(r.Context(), user.ID, services.DeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
	})
	if err != nil {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, MobileLoginResponse{
		DeviceVerificationRequired: true,
		CodeExpiresAt:              &expiresAt,
		Message:                    "A verification code has been sent to your email",
	})
	return nil
}

// VerifyDevice handles POST /api/mobile/verify-device. An unknown email is
// reported as a bad code.
func (h *MobileHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) error {
	var req VerifyDeviceRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	user, err := h.users.GetByEmail(r.Context(), req.Email)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidDeviceCode
	}
	if err != nil {
		return err
	}

	if _, err := h.devices.VerifyDeviceCode(r.Context(), user.ID, req.DeviceID, req.Code); err != nil {
		return err
	}

	// Reload to pick up the newly trusted device.
	user, err = h.users.GetByID(r.Context(), user.ID)
	if err != nil {
		return err
	}
	token, err := h.devices.GenerateMobileAuthToken(r.Context(), user, req.DeviceID)
	if err != nil {
		return err
	}

	resp := user.ToResponse()
	pkghttp.WriteJSON(w, http.StatusOK, MobileLoginResponse{Token: token.Token, ExpiresAt: &token.ExpiresAt, User: &resp})
	return nil
}

// ListDevices handles GET /api/mobile/devices
func (h *MobileHandler) ListDevices(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	devices, err := h.devices.ListTrustedDevices(r.Context(), user.ID)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, TrustedDevicesResponse{Devices: devices})
	return nil
}

// RemoveDevice handles DELETE /api/mobile/devices/{deviceID}
func (h *MobileHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}

	removed, err := h.devices.RemoveTrustedDevice(r.Context(), user.ID, chi.URLParam(r, "deviceID"), user.ID)
	if err != nil {
		return err
	}
	if !removed {
		return pkghttp.NewNotFoundError("Device not found")
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
