package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qbh/portal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_CreateAndLoad(t *testing.T) {
	clock := newTestClock()
	sm, _ := newTestSessionManager(t, clock, NewCookieConfig("", false))

	rec := httptest.NewRecorder()
	session, err := sm.Create(context.Background(), rec, "user-1", models.RolePatient)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultSessionTTL), session.ExpiresAt)

	cookie := cookieFrom(rec.Result(), SessionCookieName)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := sm.Load(req)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, session.ID, loaded.ID)
	assert.Equal(t, "user-1", loaded.UserID)
}

func TestSessionManager_ProductionCookie(t *testing.T) {
	sm, _ := newTestSessionManager(t, newTestClock(), NewCookieConfig("portal.example.com", true))

	rec := httptest.NewRecorder()
	_, err := sm.Create(context.Background(), rec, "user-1", models.RoleAdmin)
	require.NoError(t, err)

	cookie := cookieFrom(rec.Result(), SessionCookieName)
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
}

func TestSessionManager_RejectsTamperedCookie(t *testing.T) {
	sm, _ := newTestSessionManager(t, newTestClock(), NewCookieConfig("", false))

	rec := httptest.NewRecorder()
	session, err := sm.Create(context.Background(), rec, "user-1", models.RolePatient)
	require.NoError(t, err)

	for _, value := range []string{session.ID, session.ID + ".forged", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: value})
		loaded, err := sm.Load(req)
		assert.NoError(t, err)
		assert.Nil(t, loaded, value)
	}
}

func TestSessionManager_ExpiredSession(t *testing.T) {
	clock := newTestClock()
	sm, store := newTestSessionManager(t, clock, NewCookieConfig("", false))

	rec := httptest.NewRecorder()
	_, err := sm.Create(context.Background(), rec, "user-1", models.RolePatient)
	require.NoError(t, err)
	cookie := cookieFrom(rec.Result(), SessionCookieName)

	clock.Advance(DefaultSessionTTL + time.Second)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := sm.Load(req)
	assert.NoError(t, err)
	assert.Nil(t, loaded)

	removed, err := store.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSessionManager_Destroy(t *testing.T) {
	sm, store := newTestSessionManager(t, newTestClock(), NewCookieConfig("", false))
	ctx := context.Background()

	session, err := sm.Create(ctx, httptest.NewRecorder(), "user-1", models.RolePatient)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Destroy(ctx, rec, session))

	_, err = store.Get(ctx, session.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	cookie := cookieFrom(rec.Result(), SessionCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, -1, cookie.MaxAge)
}

func TestSessionManager_Regenerate(t *testing.T) {
	sm, store := newTestSessionManager(t, newTestClock(), NewCookieConfig("", false))
	ctx := context.Background()

	anon, err := sm.Create(ctx, httptest.NewRecorder(), "", "")
	require.NoError(t, err)

	fresh, err := sm.Regenerate(ctx, httptest.NewRecorder(), anon, "user-1", models.RolePatient)
	require.NoError(t, err)
	assert.NotEqual(t, anon.ID, fresh.ID)

	_, err = store.Get(ctx, anon.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInactivityTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, InactivityTimeout(models.RoleAdmin))
	assert.Equal(t, 10*time.Minute, InactivityTimeout(models.RoleProvider))
	assert.Equal(t, 15*time.Minute, InactivityTimeout(models.RolePatient))
	assert.Equal(t, 15*time.Minute, InactivityTimeout("unknown"))
}

func TestSessionManager_Status(t *testing.T) {
	clock := newTestClock()
	sm, _ := newTestSessionManager(t, clock, NewCookieConfig("", false))

	assert.Equal(t, models.SessionStatus{}, sm.Status(nil))

	session := &models.Session{UserID: "u", Role: models.RoleProvider, LastActivity: clock.Now()}
	clock.Advance(4 * time.Minute)
	assert.Equal(t, models.SessionStatus{IsActive: true, RemainingTime: 360, TotalTimeout: 600}, sm.Status(session))

	clock.Advance(7 * time.Minute)
	assert.Equal(t, models.SessionStatus{IsActive: false, RemainingTime: 0, TotalTimeout: 600}, sm.Status(session))
}

func TestSessionTimeout(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	run := func(t *testing.T, role string, idle time.Duration, path string) (*httptest.ResponseRecorder, *models.Session, *recordedEvents, *MemorySessionStore) {
		clock := newTestClock()
		sm, store := newTestSessionManager(t, clock, NewCookieConfig("", false))
		session, err := sm.Create(context.Background(), httptest.NewRecorder(), "user-1", role)
		require.NoError(t, err)
		clock.Advance(idle)

		recorder := &recordedEvents{}
		handler := sm.SessionTimeout(recorder, "/api/auth/session-status")(ok)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req = req.WithContext(WithSession(req.Context(), session))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec, session, recorder, store
	}

	t.Run("admin idle past limit", func(t *testing.T) {
		rec, session, recorder, store := run(t, models.RoleAdmin, 6*time.Minute, "/api/admin/users")

		assert.Equal(t, StatusLoginTimeout, rec.Code)
		assert.Contains(t, rec.Body.String(), "session_timeout")
		assert.Equal(t, []models.SecurityEventType{models.EventSessionTimeout}, recorder.Types())
		_, err := store.Get(context.Background(), session.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		token := cookieFrom(rec.Result(), TokenCookieName)
		require.NotNil(t, token)
		assert.Equal(t, -1, token.MaxAge)
	})

	t.Run("provider within limit touches activity", func(t *testing.T) {
		rec, session, recorder, store := run(t, models.RoleProvider, 6*time.Minute, "/api/records/1")

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, recorder.Types())
		stored, err := store.Get(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.CreatedAt.Add(6*time.Minute), stored.LastActivity)
	})

	t.Run("status path is passive", func(t *testing.T) {
		rec, session, _, store := run(t, models.RoleAdmin, 6*time.Minute, "/api/auth/session-status")

		assert.Equal(t, http.StatusNoContent, rec.Code)
		stored, err := store.Get(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.CreatedAt, stored.LastActivity)
	})
}
