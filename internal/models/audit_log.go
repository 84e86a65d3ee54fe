package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SecurityEventType identifies what happened.
type SecurityEventType string

const (
	EventLoginSuccess          SecurityEventType = "LOGIN_SUCCESS"
	EventLoginFailure          SecurityEventType = "LOGIN_FAILURE"
	EventLogout                SecurityEventType = "LOGOUT"
	EventAccountLocked         SecurityEventType = "ACCOUNT_LOCKED"
	EventAccountUnlocked       SecurityEventType = "ACCOUNT_UNLOCKED"
	EventAccountAutoUnlocked   SecurityEventType = "ACCOUNT_AUTO_UNLOCKED"
	EventPasswordChange        SecurityEventType = "PASSWORD_CHANGE"
	EventPasswordReset         SecurityEventType = "PASSWORD_RESET"
	EventPasswordResetRequest  SecurityEventType = "PASSWORD_RESET_REQUESTED"
	EventMFAEnabled            SecurityEventType = "MFA_ENABLED"
	EventMFADisabled           SecurityEventType = "MFA_DISABLED"
	EventMFAVerified           SecurityEventType = "MFA_VERIFIED"
	EventMFAVerificationFailed SecurityEventType = "MFA_VERIFICATION_FAILED"
	EventAccessGranted         SecurityEventType = "ACCESS_GRANTED"
	EventAccessDenied          SecurityEventType = "ACCESS_DENIED"
	EventPrivilegeChange       SecurityEventType = "PRIVILEGE_CHANGE"
	EventUserCreated           SecurityEventType = "USER_CREATED"
	EventUserUpdated           SecurityEventType = "USER_UPDATED"
	EventUserDeleted           SecurityEventType = "USER_DELETED"
	EventDeviceCodeIssued      SecurityEventType = "DEVICE_VERIFICATION_REQUESTED"
	EventDeviceTrusted         SecurityEventType = "DEVICE_TRUSTED"
	EventDeviceRemoved         SecurityEventType = "DEVICE_REMOVED"
	EventMobileTokenIssued     SecurityEventType = "MOBILE_TOKEN_ISSUED"
	EventSessionTimeout        SecurityEventType = "SESSION_TIMEOUT"
	EventTokenInvalid          SecurityEventType = "TOKEN_INVALID"
	EventCSRFViolation         SecurityEventType = "CSRF_VIOLATION"
	EventRateLimitExceeded     SecurityEventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity    SecurityEventType = "SUSPICIOUS_ACTIVITY"
	EventBruteForceDetected    SecurityEventType = "BRUTE_FORCE_DETECTED"
	EventSecretRotated         SecurityEventType = "SECRET_ROTATED"
	EventPHIAccess             SecurityEventType = "PHI_ACCESS"
	EventPHIModified           SecurityEventType = "PHI_MODIFIED"
	EventApplicationError      SecurityEventType = "APPLICATION_ERROR"
)

// Severity of a security event.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Outcome of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Resource types
const (
	ResourceUser          = "user"
	ResourceSession       = "session"
	ResourceDevice        = "device"
	ResourceMedicalRecord = "medical_record"
	ResourceSecret        = "secret"
	ResourceRequest       = "request"
)

// DefaultSeverity maps an event type to the severity used when the caller
// leaves Severity empty.
func DefaultSeverity(t SecurityEventType) Severity {
	switch t {
	case EventBruteForceDetected, EventSuspiciousActivity:
		return SeverityCritical
	case EventLoginFailure, EventAccessDenied, EventAccountLocked, EventCSRFViolation,
		EventMFAVerificationFailed, EventTokenInvalid, EventRateLimitExceeded, EventApplicationError:
		return SeverityHigh
	case EventPrivilegeChange, EventPasswordChange, EventPasswordReset, EventMFADisabled,
		EventAccountUnlocked, EventSecretRotated, EventUserDeleted, EventDeviceRemoved, EventPHIModified:
		return SeverityMedium
	case EventLoginSuccess, EventLogout, EventMFAEnabled, EventMFAVerified, EventDeviceTrusted,
		EventAccountAutoUnlocked, EventSessionTimeout, EventUserCreated, EventUserUpdated,
		EventPasswordResetRequest, EventMobileTokenIssued, EventPHIAccess:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// SecurityEvent is the single record shape every component appends to the
// audit trail.
type SecurityEvent struct {
	EventType    SecurityEventType
	Severity     Severity
	Outcome      Outcome
	Message      string
	UserID       string
	TargetUserID string
	ResourceType string
	ResourceID   string
	SessionID    string
	IPAddress    string
	UserAgent    string
	Details      map[string]interface{}
	Timestamp    time.Time
}

// AuditLog is a persisted SecurityEvent.
type AuditLog struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	UserID       uuid.UUID     `db:"user_id" json:"user_id"`
	EventType    string        `db:"event_type" json:"event_type"`
	Severity     string        `db:"severity" json:"severity"`
	Outcome      string        `db:"outcome" json:"outcome"`
	Message      string        `db:"message" json:"message"`
	ResourceType *string       `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   *string       `db:"resource_id" json:"resource_id,omitempty"`
	TargetUserID *uuid.UUID    `db:"target_user_id" json:"target_user_id,omitempty"`
	SessionID    *string       `db:"session_id" json:"session_id,omitempty"`
	IPAddress    *string       `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    *string       `db:"user_agent" json:"user_agent,omitempty"`
	Details      AuditMetadata `db:"details" json:"details"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// AuditLogFilter narrows ListEvents queries. Zero values mean "any".
type AuditLogFilter struct {
	UserID    string
	EventType string
	Severity  string
	Since     *time.Time
	Limit     int
	Offset    int
}

// ComplianceReport summarises the audit trail over a period.
type ComplianceReport struct {
	Since           time.Time      `json:"since"`
	GeneratedAt     time.Time      `json:"generated_at"`
	TotalEvents     int            `json:"total_events"`
	ByEventType     map[string]int `json:"by_event_type"`
	BySeverity      map[string]int `json:"by_severity"`
	LockedAccounts  int            `json:"locked_accounts"`
	MFAEnabledUsers int            `json:"mfa_enabled_users"`
	TotalUsers      int            `json:"total_users"`
	RecentCritical  []AuditLog     `json:"recent_critical"`
}

// AuditMetadata holds the sanitized details of an audit event
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(am))
}
