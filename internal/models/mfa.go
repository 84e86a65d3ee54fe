package models

import "time"

// MFAEnrollmentState is the position of a user in MFA setup.
type MFAEnrollmentState string

const (
	MFANotStarted          MFAEnrollmentState = "not_started"
	MFAPendingVerification MFAEnrollmentState = "pending_verification"
	MFAEnabled             MFAEnrollmentState = "enabled"
)

// MFAEnrollment is held in the server session during setup. Secret is only
// set while PendingVerification.
type MFAEnrollment struct {
	State     MFAEnrollmentState `json:"state"`
	Secret    string             `json:"secret,omitempty"`
	StartedAt time.Time          `json:"startedAt,omitempty"`
}

// Pending returns the enrollment secret if setup awaits verification.
func (e *MFAEnrollment) Pending() (string, bool) {
	if e == nil || e.State != MFAPendingVerification || e.Secret == "" {
		return "", false
	}
	return e.Secret, true
}

// MFASetup contains setup information for MFA enrollment
type MFASetup struct {
	Secret string `json:"secret"`
	URI    string `json:"otpauth_url"`
	QRCode string `json:"qr_code"` // data:image/png;base64 URL
}

// MFAStatus represents the MFA status for a user
type MFAStatus struct {
	MFAEnabled           bool `json:"mfa_enabled"`
	MFARequired          bool `json:"mfa_required"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}
