package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
)

type contextKey string

const (
	// UserContextKey is the key for storing the authenticated user in context
	UserContextKey contextKey = "user"

	requestInfoKey contextKey = "request_info"

	bearerPrefix = "Bearer "
)

// RequestInfo is the client metadata attached to security events raised
// below the HTTP layer.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

// UserRepository is the user lookup needed by the auth middleware
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// SecurityRecorder accepts security events. Implementations must not fail
// the caller.
type SecurityRecorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// Authenticator resolves the caller from the session, falling back to the
// token cookie.
type Authenticator struct {
	sessions *SessionManager
	tokens   *TokenManager
	users    UserRepository
	logger   *slog.Logger
}

func NewAuthenticator(sessions *SessionManager, tokens *TokenManager, users UserRepository, logger *slog.Logger) *Authenticator {
	return &Authenticator{sessions: sessions, tokens: tokens, users: users, logger: logger}
}

// Authenticate rejects requests without a valid session or token with 401.
// Unexpected lookup failures also clear the token cookie and the session.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, session, err := a.resolve(w, r)
		if err != nil {
			if !errors.Is(err, models.ErrUnauthorized) {
				a.logger.Error("authentication failed",
					slog.String("error", err.Error()),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
				ClearTokenCookie(w, a.sessions.Cookies())
				if destroyErr := a.sessions.Destroy(r.Context(), w, SessionFromContext(r.Context())); destroyErr != nil {
					a.logger.Warn("failed to destroy session", slog.String("error", destroyErr.Error()))
				}
			}
			pkghttp.WriteUnauthorized(w, "Authentication required")
			return
		}

		ctx := WithSession(WithUser(r.Context(), user), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(w http.ResponseWriter, r *http.Request) (*models.User, *models.Session, error) {
	ctx := r.Context()
	session := SessionFromContext(ctx)

	if session != nil && session.UserID != "" {
		user, err := a.users.GetByID(ctx, session.UserID)
		if err == nil {
			return user, session, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, nil, err
		}
		// The account no longer exists.
		if err := a.sessions.Destroy(ctx, w, session); err != nil {
			a.logger.Warn("failed to destroy orphaned session", slog.String("error", err.Error()))
		}
		session = nil
	}

	token := tokenFromRequest(r)
	if token == "" {
		return nil, nil, models.ErrUnauthorized
	}

	claims, err := a.tokens.ValidateToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenType == models.TokenTypePasswordReset {
		return nil, nil, models.ErrUnauthorized
	}

	user, err := a.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, models.ErrUnauthorized
	}
	if err != nil {
		return nil, nil, err
	}

	// Mobile clients are stateless.
	if claims.TokenType == models.TokenTypeMobile {
		return user, session, nil
	}

	if session == nil {
		session, err = a.sessions.Create(ctx, w, user.ID, user.Role)
		if err != nil {
			return nil, nil, err
		}
		return user, session, nil
	}

	session.UserID = user.ID
	session.Role = user.Role
	if err := a.sessions.Save(ctx, w, session); err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// tokenFromRequest reads the token cookie, then a bearer Authorization
// header as sent by the mobile app.
func tokenFromRequest(r *http.Request) string {
	if token := GetTokenFromCookie(r); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}

// AuthorizeRoles allows users holding one of roles. Superadmins always pass.
// Every decision is recorded.
func AuthorizeRoles(recorder SecurityRecorder, roles ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r)
			if user == nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			_, ok := allowed[user.Role]
			event := NewRequestEvent(r, models.EventAccessGranted)
			event.Details = map[string]interface{}{
				"requiredRoles": roles,
				"actualRole":    user.Role,
			}

			switch {
			case user.IsSuperadmin:
				event.Details["superadmin"] = true
				recorder.Record(r.Context(), event)
			case ok:
				recorder.Record(r.Context(), event)
			default:
				event.EventType = models.EventAccessDenied
				event.Outcome = models.OutcomeDenied
				event.Message = "role not permitted for resource"
				recorder.Record(r.Context(), event)
				pkghttp.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperadmin allows only superadmins.
func RequireSuperadmin(recorder SecurityRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r)
			if user == nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !user.IsSuperadmin {
				event := NewRequestEvent(r, models.EventAccessDenied)
				event.Outcome = models.OutcomeDenied
				event.Message = "superadmin required"
				event.Details = map[string]interface{}{"actualRole": user.Role, "requiredRoles": []string{"superadmin"}}
				recorder.Record(r.Context(), event)
				pkghttp.WriteForbidden(w, "Superadmin access required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewRequestEvent builds a security event carrying the request's user,
// session, client address and path.
func NewRequestEvent(r *http.Request, eventType models.SecurityEventType) models.SecurityEvent {
	event := models.SecurityEvent{
		EventType:    eventType,
		IPAddress:    pkghttp.ClientIP(r),
		UserAgent:    pkghttp.UserAgent(r),
		ResourceType: models.ResourceRequest,
		ResourceID:   r.Method + " " + r.URL.Path,
	}
	if user := GetUserFromContext(r); user != nil {
		event.UserID = user.ID
	}
	if session := SessionFromContext(r.Context()); session != nil {
		event.SessionID = session.ID
		if event.UserID == "" {
			event.UserID = session.UserID
		}
	}
	return event
}

// CaptureRequestInfo stores the client address and user agent in the
// request context for services that record events without the request.
func CaptureRequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequestInfo(r.Context(), RequestInfo{
			IPAddress: pkghttp.ClientIP(r),
			UserAgent: pkghttp.UserAgent(r),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithRequestInfo adds info to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFromContext returns the request metadata stored in ctx.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey).(RequestInfo)
	return info, ok
}

// WithUser adds user to ctx.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext extracts the authenticated user from request context
func GetUserFromContext(r *http.Request) *models.User {
	return UserFromContext(r.Context())
}

// UserFromContext is GetUserFromContext for a bare context.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
