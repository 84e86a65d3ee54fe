package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the tokenType claim.
const (
	TokenTypeWeb           = "web"
	TokenTypeMobile        = "mobile"
	TokenTypePasswordReset = "password_reset"
)

// TokenClaims are the JWT claims issued by the token manager.
type TokenClaims struct {
	UserID    string `json:"id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"tokenType,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	// Fingerprint binds a password reset token to the hash it will replace.
	Fingerprint string `json:"fp,omitempty"`
	jwt.RegisteredClaims
}

// SecretVersion is one generation of the JWT signing secret. The current
// secret has a nil ExpiresAt.
type SecretVersion struct {
	Key       string     `json:"key"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IsCurrent reports whether v is the active signing secret.
func (v SecretVersion) IsCurrent() bool {
	return v.ExpiresAt == nil
}

// ValidAt reports whether v may still verify tokens at now.
func (v SecretVersion) ValidAt(now time.Time) bool {
	return v.ExpiresAt == nil || now.Before(*v.ExpiresAt)
}

// LoginResult is returned by a successful password login.
type LoginResult struct {
	User                   *User
	Token                  string
	MFASetupRequired       bool
	ChangePasswordRequired bool
}

// LockoutStatus describes a user's position in the lockout state machine.
type LockoutStatus struct {
	Locked            bool       `json:"locked"`
	Attempts          int        `json:"attempts"`
	RemainingAttempts int        `json:"remaining_attempts"`
	LockExpiresAt     *time.Time `json:"lock_expires_at,omitempty"`
}

// AccountLockedError carries the lock expiry for a rejected login.
type AccountLockedError struct {
	Until *time.Time
}

func (e *AccountLockedError) Error() string {
	return ErrAccountLocked.Error()
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}
