package handlers

import (
	"strings"
	"time"

	"github.com/qbh/portal/internal/models"
)

// MFA Setup DTOs

// MFASetupResponse contains the QR code and secret for enrollment
type MFASetupResponse struct {
	QRCode     string `json:"qrCode"`     // data:image/png;base64 URL
	Secret     string `json:"secret"`     // base32, for manual entry
	OTPAuthURL string `json:"otpauthUrl"` // otpauth:// provisioning URI
}

// VerifyMFASetupRequest is the request to verify and enable MFA
type VerifyMFASetupRequest struct {
	Token string `json:"token" validate:"required,len=6,numeric"`
}

// VerifyMFASetupResponse confirms successful MFA enablement
type VerifyMFASetupResponse struct {
	MFAEnabled  bool     `json:"mfaEnabled"`
	BackupCodes []string `json:"backupCodes"` // shown once
	Message     string   `json:"message"`
}

// DisableMFARequest proves possession of the second factor
type DisableMFARequest struct {
	Code string `json:"code" validate:"required,max=20"` // TOTP or backup code
}

// Mobile DTOs

// MobileLoginRequest is a credential login from the mobile app
type MobileLoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	MFACode    string `json:"mfaCode" validate:"omitempty,max=20"`
	DeviceID   string `json:"deviceId" validate:"required,min=8,max=128"`
	DeviceName string `json:"deviceName" validate:"omitempty,max=100"`
	Platform   string `json:"platform" validate:"omitempty,oneof=ios android"`
}

func (r *MobileLoginRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.MFACode = strings.TrimSpace(r.MFACode)
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.DeviceName = strings.TrimSpace(r.DeviceName)
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
}

// MobileLoginResponse carries either a token or a pending verification
type MobileLoginResponse struct {
	Token                      string               `json:"token,omitempty"`
	ExpiresAt                  *time.Time           `json:"expiresAt,omitempty"`
	User                       *models.UserResponse `json:"user,omitempty"`
	MFARequired                bool                 `json:"mfaRequired,omitempty"`
	DeviceVerificationRequired bool                 `json:"deviceVerificationRequired,omitempty"`
	CodeExpiresAt              *time.Time           `json:"codeExpiresAt,omitempty"`
	Message                    string               `json:"message,omitempty"`
}

// VerifyDeviceRequest completes device verification
type VerifyDeviceRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	DeviceID string `json:"deviceId" validate:"required,min=8,max=128"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
}

func (r *VerifyDeviceRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.Code = strings.TrimSpace(r.Code)
}

// TrustedDevicesResponse lists a user's trusted devices
type TrustedDevicesResponse struct {
	Devices []models.TrustedDevice `json:"devices"`
}
