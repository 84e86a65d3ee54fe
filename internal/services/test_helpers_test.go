package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/pkg/fieldcrypt"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestUser returns a user with a random uuid.
func NewTestUser(email, role string) *models.User {
	return &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
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

func (r *recordedEvents) ofType(t models.SecurityEventType) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// MockUserRepository implements every user repository interface for testing
type MockUserRepository struct {
	GetByIDFunc           func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc        func(ctx context.Context, email string) (*models.User, error)
	ListFunc              func(ctx context.Context, limit, offset int) ([]*models.User, error)
	StatsFunc             func(ctx context.Context) (*models.UserStats, error)
	CreateFunc            func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateFunc            func(ctx context.Context, user *models.User) (*models.User, error)
	DeleteFunc            func(ctx context.Context, id string) error
	UpdatePasswordFunc    func(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error
	UpdateLockStateFunc   func(ctx context.Context, id string, state models.LockState) error
	UpdateMFAFunc         func(ctx context.Context, id string, enabled bool, secret *string, backupCodes []string) error
	UpdateBackupCodesFunc func(ctx context.Context, id string, backupCodes []string) error
	UpdateMetadataFunc    func(ctx context.Context, id string, metadata models.UserMetadata) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, limit, offset)
	}
	return []*models.User{}, nil
}

func (m *MockUserRepository) Stats(ctx context.Context) (*models.UserStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return &models.UserStats{}, nil
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash, changeRequired, history)
	}
	return nil
}

func (m *MockUserRepository) UpdateLockState(ctx context.Context, id string, state models.LockState) error {
	if m.UpdateLockStateFunc != nil {
		return m.UpdateLockStateFunc(ctx, id, state)
	}
	return nil
}

func (m *MockUserRepository) UpdateMFA(ctx context.Context, id string, enabled bool, secret *string, backupCodes []string) error {
	if m.UpdateMFAFunc != nil {
		return m.UpdateMFAFunc(ctx, id, enabled, secret, backupCodes)
	}
	return nil
}

func (m *MockUserRepository) UpdateBackupCodes(ctx context.Context, id string, backupCodes []string) error {
	if m.UpdateBackupCodesFunc != nil {
		return m.UpdateBackupCodesFunc(ctx, id, backupCodes)
	}
	return nil
}

func (m *MockUserRepository) UpdateMetadata(ctx context.Context, id string, metadata models.UserMetadata) error {
	if m.UpdateMetadataFunc != nil {
		return m.UpdateMetadataFunc(ctx, id, metadata)
	}
	return nil
}

// memoryUserRepo is a map-backed user store for multi-step scenarios. It
// hands out copies so callers cannot mutate stored state directly.
type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemoryUserRepo(users ...*models.User) *memoryUserRepo {
	r := &memoryUserRepo{users: make(map[string]*models.User)}
	for _, u := range users {
		r.users[u.ID] = cloneUser(u)
	}
	return r
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.MFABackupCodes = append([]string(nil), u.MFABackupCodes...)
	c.Metadata.TrustedDevices = append([]models.TrustedDevice(nil), u.Metadata.TrustedDevices...)
	c.Metadata.PasswordHistory = append([]string(nil), u.Metadata.PasswordHistory...)
	if u.Metadata.DeviceVerificationCodes != nil {
		c.Metadata.DeviceVerificationCodes = make(map[string]models.DeviceVerificationCode, len(u.Metadata.DeviceVerificationCodes))
		for k, v := range u.Metadata.DeviceVerificationCodes {
			c.Metadata.DeviceVerificationCodes[k] = v
		}
	}
	return &c
}

func (r *memoryUserRepo) get(id string) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return cloneUser(u)
	}
	return nil
}

func (r *memoryUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	if u := r.get(id); u != nil {
		return u, nil
	}
	return nil, models.ErrNotFound
}

func (r *memoryUserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *memoryUserRepo) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, cloneUser(u))
	}
	return out, nil
}

func (r *memoryUserRepo) Stats(ctx context.Context) (*models.UserStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &models.UserStats{Total: len(r.users)}
	for _, u := range r.users {
		if u.IsLocked(time.Now()) {
			stats.Locked++
		}
		if u.MFAEnabled {
			stats.MFAEnabled++
		}
	}
	return stats, nil
}

func (r *memoryUserRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return nil, models.ErrConflict
		}
	}
	c := cloneUser(user)
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.users[c.ID] = c
	return cloneUser(c), nil
}

func (r *memoryUserRepo) Update(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return nil, models.ErrNotFound
	}
	c := cloneUser(user)
	c.UpdatedAt = time.Now()
	r.users[c.ID] = c
	return cloneUser(c), nil
}

func (r *memoryUserRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *memoryUserRepo) mutate(id string, fn func(u *models.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return models.ErrNotFound
	}
	fn(u)
	return nil
}

func (r *memoryUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error {
	return r.mutate(id, func(u *models.User) {
		u.PasswordHash = passwordHash
		u.ChangePasswordRequired = changeRequired
		u.Metadata.PasswordHistory = append([]string(nil), history...)
	})
}

func (r *memoryUserRepo) UpdateLockState(ctx context.Context, id string, state models.LockState) error {
	return r.mutate(id, func(u *models.User) {
		u.AccountLocked = state.AccountLocked
		u.LockExpiresAt = state.LockExpiresAt
		u.FailedLoginAttempts = state.FailedLoginAttempts
		u.LastFailedLogin = state.LastFailedLogin
	})
}

func (r *memoryUserRepo) UpdateMFA(ctx context.Context, id string, enabled bool, secret *string, backupCodes []string) error {
	return r.mutate(id, func(u *models.User) {
		u.MFAEnabled = enabled
		u.MFASecret = secret
		u.MFABackupCodes = append([]string(nil), backupCodes...)
	})
}

func (r *memoryUserRepo) UpdateBackupCodes(ctx context.Context, id string, backupCodes []string) error {
	return r.mutate(id, func(u *models.User) {
		u.MFABackupCodes = append([]string(nil), backupCodes...)
	})
}

func (r *memoryUserRepo) UpdateMetadata(ctx context.Context, id string, metadata models.UserMetadata) error {
	return r.mutate(id, func(u *models.User) {
		c := cloneUser(&models.User{Metadata: metadata})
		u.Metadata = c.Metadata
	})
}

// MockAuditRepository implements AuditRepository and AdminAuditReader
type MockAuditRepository struct {
	mu          sync.Mutex
	created     []*models.AuditLog
	CreateFunc  func(ctx context.Context, log *models.AuditLog) error
	ListFunc    func(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	CountByFunc func(ctx context.Context, column string, since time.Time) (map[string]int, error)
	CleanupFunc func(ctx context.Context, olderThanDays int) (int64, error)
}

func (m *MockAuditRepository) Create(ctx context.Context, log *models.AuditLog) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, log); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, log)
	return nil
}

func (m *MockAuditRepository) List(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return []*models.AuditLog{}, nil
}

func (m *MockAuditRepository) CountBy(ctx context.Context, column string, since time.Time) (map[string]int, error) {
	if m.CountByFunc != nil {
		return m.CountByFunc(ctx, column, since)
	}
	return map[string]int{}, nil
}

func (m *MockAuditRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, olderThanDays)
	}
	return 0, nil
}

func (m *MockAuditRepository) createdLogs() []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.created...)
}

// MockNotifier captures delivered notifications
type MockNotifier struct {
	mu          sync.Mutex
	DeviceCodes []string
	ResetTokens []string
	Err         error
}

func (m *MockNotifier) SendDeviceCode(ctx context.Context, user *models.User, code string, pending models.DeviceVerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.DeviceCodes = append(m.DeviceCodes, code)
	return nil
}

func (m *MockNotifier) SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ResetTokens = append(m.ResetTokens, token)
	return nil
}

func newTestCipher(t *testing.T) *fieldcrypt.Cipher {
	t.Helper()
	cipher, err := fieldcrypt.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return cipher
}

func newTestTokenManager(t *testing.T) *auth.TokenManager {
	t.Helper()
	secrets, err := auth.NewSecretManager(context.Background(), auth.NewMemorySecretStore(),
		"test-signing-secret-0123456789abcdef", discardLogger())
	require.NoError(t, err)
	return auth.NewTokenManager(secrets, auth.TokenConfig{})
}
