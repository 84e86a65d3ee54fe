package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrMFARequired        = errors.New("mfa code required")
	ErrInvalidMFACode     = errors.New("invalid mfa code")
	ErrMFANotPending      = errors.New("no pending mfa enrollment")
	ErrPasswordReused     = errors.New("password was used recently")
	ErrInvalidResetToken  = errors.New("invalid or expired password reset token")
	ErrSuperadminRequired = errors.New("superadmin privileges required")
	ErrCannotModifySelf   = errors.New("cannot perform this action on your own account")

	// Device trust errors
	ErrInvalidDeviceCode = errors.New("invalid device verification code")
	ErrDeviceCodeExpired = errors.New("device verification code expired")
	ErrDeviceMismatch    = errors.New("verification code was issued for a different device")
	ErrDeviceNotTrusted  = errors.New("device is not trusted")

	// Secret management errors
	ErrNoSigningSecret = errors.New("no signing secret configured")
)
