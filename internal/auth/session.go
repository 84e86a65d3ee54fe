package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
)

const (
	DefaultSessionTTL = 2 * time.Hour
	sessionIDBytes    = 32
)

type sessionContextKey struct{}

// SessionStore persists server-side sessions. Get returns models.ErrNotFound
// for unknown or expired sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore is a process-local SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	now      func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]models.Session), now: time.Now}
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || !s.now().Before(session.ExpiresAt) {
		return nil, models.ErrNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) Save(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Cleanup drops expired sessions.
func (s *MemorySessionStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Secret string
	TTL    time.Duration
	Cookie CookieConfig
}

// SessionManager issues and resolves the signed session cookie.
type SessionManager struct {
	store  SessionStore
	key    []byte
	ttl    time.Duration
	cookie CookieConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSessionManager(store SessionStore, cfg SessionConfig, logger *slog.Logger) (*SessionManager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	return &SessionManager{
		store:  store,
		key:    []byte(cfg.Secret),
		ttl:    cfg.TTL,
		cookie: cfg.Cookie,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Cookies returns the cookie settings shared with the token cookie.
func (sm *SessionManager) Cookies() CookieConfig {
	return sm.cookie
}

// Load resolves the session referenced by the request cookie. A missing,
// forged or expired cookie yields (nil, nil).
func (sm *SessionManager) Load(r *http.Request) (*models.Session, error) {
	raw := cookieValue(r, SessionCookieName)
	if raw == "" {
		return nil, nil
	}

	id, ok := sm.verify(raw)
	if !ok {
		return nil, nil
	}

	session, err := sm.store.Get(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// Create starts a new session for userID and sets the cookie.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter, userID, role string) (*models.Session, error) {
	id, err := pkgauth.GenerateRandomHex(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := sm.now()
	session := &models.Session{
		ID:           id,
		UserID:       userID,
		Role:         role,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := sm.Save(ctx, w, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Save persists session and extends its expiry by the rolling TTL.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, session *models.Session) error {
	session.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	setCookie(w, SessionCookieName, sm.sign(session.ID), sm.ttl, sm.cookie)
	return nil
}

// Regenerate replaces old, if any, with a fresh session for userID.
func (sm *SessionManager) Regenerate(ctx context.Context, w http.ResponseWriter, old *models.Session, userID, role string) (*models.Session, error) {
	if old != nil {
		if err := sm.store.Delete(ctx, old.ID); err != nil {
			sm.logger.Warn("failed to delete previous session", slog.String("error", err.Error()))
		}
	}
	return sm.Create(ctx, w, userID, role)
}

// Destroy deletes session and clears the cookie.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, session *models.Session) error {
	clearCookie(w, SessionCookieName, sm.cookie)
	if session == nil {
		return nil
	}
	if err := sm.store.Delete(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// LoadSession attaches the request's session, if any, to the context.
func (sm *SessionManager) LoadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := sm.Load(r)
		if err != nil {
			sm.logger.Error("session lookup failed", slog.String("error", err.Error()))
		}
		if session != nil {
			r = r.WithContext(WithSession(r.Context(), session))
		}
		next.ServeHTTP(w, r)
	})
}

func (sm *SessionManager) sign(id string) string {
	mac := hmac.New(sha256.New, sm.key)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (sm *SessionManager) verify(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sm.sign(id)), []byte(value)) {
		return "", false
	}
	return id, true
}

// WithSession adds session to ctx.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the request session or nil.
func SessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionContextKey{}).(*models.Session)
	return session
}
