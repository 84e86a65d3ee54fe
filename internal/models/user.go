package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Roles
const (
	RolePatient   = "patient"
	RoleProvider  = "provider"
	RoleAdmin     = "admin"
	RoleIntake    = "intake"
	RoleMarketing = "marketing"
)

// ValidRoles lists every role a user record may carry.
var ValidRoles = []string{RolePatient, RoleProvider, RoleAdmin, RoleIntake, RoleMarketing}

// IsValidRole reports whether role is a known role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

type User struct {
	ID                     string
	Email                  string
	PasswordHash           string
	Role                   string
	IsSuperadmin           bool
	AccountLocked          bool
	LockExpiresAt          *time.Time // nil while locked means an administrator lock with no expiry
	FailedLoginAttempts    int
	LastFailedLogin        *time.Time
	MFAEnabled             bool
	MFASecret              *string // encrypted with the field cipher
	MFABackupCodes         []string
	ChangePasswordRequired bool
	Metadata               UserMetadata
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsLocked reports whether the lock is in force at now. An elapsed
// lockExpiresAt counts as unlocked even if the flag is still set.
func (u *User) IsLocked(now time.Time) bool {
	if !u.AccountLocked {
		return false
	}
	if u.LockExpiresAt == nil {
		return true
	}
	return now.Before(*u.LockExpiresAt)
}

// FullName joins the name parts held in metadata.
func (u *User) FullName() string {
	switch {
	case u.Metadata.FirstName != "" && u.Metadata.LastName != "":
		return u.Metadata.FirstName + " " + u.Metadata.LastName
	case u.Metadata.FirstName != "":
		return u.Metadata.FirstName
	default:
		return u.Metadata.LastName
	}
}

// LockState is the subset of User columns owned by the lockout service.
type LockState struct {
	AccountLocked       bool
	LockExpiresAt       *time.Time
	FailedLoginAttempts int
	LastFailedLogin     *time.Time
}

// UserMetadata is the free-form JSONB column on users.
type UserMetadata struct {
	FirstName               string                            `json:"firstName,omitempty"`
	LastName                string                            `json:"lastName,omitempty"`
	Phone                   string                            `json:"phone,omitempty"`
	TrustedDevices          []TrustedDevice                   `json:"trustedDevices,omitempty"`
	DeviceVerificationCodes map[string]DeviceVerificationCode `json:"deviceVerificationCodes,omitempty"`
	PasswordHistory         []string                          `json:"passwordHistory,omitempty"`
}

// Scan implements sql.Scanner for JSONB
func (m *UserMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = UserMetadata{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}

	var out UserMetadata
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Value implements driver.Valuer for JSONB
func (m UserMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// UserResponse is the public view of a user returned by the API.
type UserResponse struct {
	ID                     string    `json:"id"`
	Email                  string    `json:"email"`
	Role                   string    `json:"role"`
	IsSuperadmin           bool      `json:"is_superadmin"`
	FirstName              string    `json:"first_name,omitempty"`
	LastName               string    `json:"last_name,omitempty"`
	Phone                  string    `json:"phone,omitempty"`
	AccountLocked          bool      `json:"account_locked"`
	MFAEnabled             bool      `json:"mfa_enabled"`
	ChangePasswordRequired bool      `json:"change_password_required"`
	CreatedAt              time.Time `json:"created_at"`
}

// ToResponse strips credentials and lock bookkeeping from a user.
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:                     u.ID,
		Email:                  u.Email,
		Role:                   u.Role,
		IsSuperadmin:           u.IsSuperadmin,
		FirstName:              u.Metadata.FirstName,
		LastName:               u.Metadata.LastName,
		Phone:                  u.Metadata.Phone,
		AccountLocked:          u.IsLocked(time.Now()),
		MFAEnabled:             u.MFAEnabled,
		ChangePasswordRequired: u.ChangePasswordRequired,
		CreatedAt:              u.CreatedAt,
	}
}

// UserStats are aggregate counts for the compliance report.
type UserStats struct {
	Total      int
	Locked     int
	MFAEnabled int
}
