package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/qbh/portal/internal/models"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *recordedEvents) Record(ctx context.Context, event models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) Types() []models.SecurityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SecurityEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

type userLookupFunc func(ctx context.Context, id string) (*models.User, error)

func (f userLookupFunc) GetByID(ctx context.Context, id string) (*models.User, error) {
	return f(ctx, id)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSecretManager(t *testing.T, clock *testClock) *SecretManager {
	t.Helper()
	sm, err := NewSecretManager(context.Background(), NewMemorySecretStore(), "initial-signing-secret-for-tests", discardLogger())
	require.NoError(t, err)
	sm.now = clock.Now
	return sm
}

func newTestSessionManager(t *testing.T, clock *testClock, cookies CookieConfig) (*SessionManager, *MemorySessionStore) {
	t.Helper()
	store := NewMemorySessionStore()
	store.now = clock.Now
	sm, err := NewSessionManager(store, SessionConfig{Secret: "session-secret", Cookie: cookies}, discardLogger())
	require.NoError(t, err)
	sm.now = clock.Now
	return sm, store
}

// cookieFrom returns the last cookie named name set on the response.
func cookieFrom(resp *http.Response, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}
