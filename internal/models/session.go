package models

import "time"

// Session is the server-side state behind the qbh_session cookie.
type Session struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId,omitempty"`
	Role          string         `json:"role,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	MFAEnrollment *MFAEnrollment `json:"mfaEnrollment,omitempty"`
}

// SessionStatus is the body of GET /api/auth/session-status. Durations are
// in seconds.
type SessionStatus struct {
	IsActive      bool `json:"isActive"`
	RemainingTime int  `json:"remainingTime"`
	TotalTimeout  int  `json:"totalTimeout"`
}
