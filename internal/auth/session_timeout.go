package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// StatusLoginTimeout is returned when a session expired from inactivity.
const StatusLoginTimeout = 440

// DefaultInactivityTimeout applies to roles without a stricter limit.
const DefaultInactivityTimeout = 15 * time.Minute

var roleInactivityTimeouts = map[string]time.Duration{
	models.RoleAdmin:    5 * time.Minute,
	models.RoleProvider: 10 * time.Minute,
}

// InactivityTimeout returns the idle limit for role.
func InactivityTimeout(role string) time.Duration {
	if d, ok := roleInactivityTimeouts[role]; ok {
		return d
	}
	return DefaultInactivityTimeout
}

// Status reports how long session has left before its inactivity timeout.
func (sm *SessionManager) Status(session *models.Session) models.SessionStatus {
	if session == nil || session.UserID == "" {
		return models.SessionStatus{}
	}

	timeout := InactivityTimeout(session.Role)
	remaining := timeout - sm.now().Sub(session.LastActivity)
	if remaining <= 0 {
		return models.SessionStatus{TotalTimeout: int(timeout.Seconds())}
	}
	return models.SessionStatus{
		IsActive:      true,
		RemainingTime: int(remaining.Seconds()),
		TotalTimeout:  int(timeout.Seconds()),
	}
}

// SessionTimeout ends authenticated sessions idle past their role's limit
// with 440 and otherwise records activity. Requests to passivePaths neither
// count as activity nor trigger the timeout.
func (sm *SessionManager) SessionTimeout(recorder SecurityRecorder, passivePaths ...string) func(next http.Handler) http.Handler {
	passive := make(map[string]struct{}, len(passivePaths))
	for _, p := range passivePaths {
		passive[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := SessionFromContext(r.Context())
			if session == nil || session.UserID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := passive[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			now := sm.now()
			timeout := InactivityTimeout(session.Role)
			if now.Sub(session.LastActivity) > timeout {
				event := NewRequestEvent(r, models.EventSessionTimeout)
				event.ResourceType = models.ResourceSession
				event.ResourceID = session.ID
				event.Message = "session expired after inactivity"
				event.Details = map[string]interface{}{
					"role":           session.Role,
					"timeoutSeconds": int(timeout.Seconds()),
				}
				recorder.Record(r.Context(), event)

				if err := sm.Destroy(r.Context(), w, session); err != nil {
					sm.logger.Warn("failed to destroy timed out session", slog.String("error", err.Error()))
				}
				ClearTokenCookie(w, sm.cookie)
				pkghttp.WriteError(w, StatusLoginTimeout, "session_timeout",
					"Your session has expired due to inactivity. Please log in again.")
				return
			}

			session.LastActivity = now
			if err := sm.Save(r.Context(), w, session); err != nil {
				sm.logger.Warn("failed to record session activity", slog.String("error", err.Error()))
			}
			next.ServeHTTP(w, r)
		})
	}
}
