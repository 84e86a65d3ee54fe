package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qbh/portal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockoutFixture(t *testing.T, user *models.User) (*LockoutService, *memoryUserRepo, *recordedEvents, *time.Time) {
	t.Helper()
	repo := newMemoryUserRepo(user)
	events := &recordedEvents{}
	svc := NewLockoutService(repo, events, discardLogger())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, repo, events, &now
}

func TestLockoutService_LocksAfterFiveFailures(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, events, now := newLockoutFixture(t, user)
	ctx := context.Background()

	for i := 1; i < MaxFailedAttempts; i++ {
		status := svc.RecordFailedAttempt(ctx, user.ID)
		assert.False(t, status.Locked)
		assert.Equal(t, i, status.Attempts)
		assert.Equal(t, MaxFailedAttempts-i, status.RemainingAttempts)
	}

	status := svc.RecordFailedAttempt(ctx, user.ID)
	require.True(t, status.Locked)
	require.NotNil(t, status.LockExpiresAt)
	assert.Equal(t, now.Add(LockoutDuration), *status.LockExpiresAt)

	stored := repo.get(user.ID)
	assert.True(t, stored.AccountLocked)
	assert.Equal(t, MaxFailedAttempts, stored.FailedLoginAttempts)
	assert.Len(t, events.ofType(models.EventAccountLocked), 1)
	assert.True(t, svc.CheckLocked(ctx, user.ID).Locked)
}

func TestLockoutService_StaysLockedWithoutChange(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, events, now := newLockoutFixture(t, user)
	ctx := context.Background()

	until := now.Add(10 * time.Minute)
	last := now.Add(-time.Minute)
	require.NoError(t, repo.UpdateLockState(ctx, user.ID, models.LockState{
		AccountLocked: true, LockExpiresAt: &until, FailedLoginAttempts: 5, LastFailedLogin: &last,
	}))

	status := svc.RecordFailedAttempt(ctx, user.ID)

	assert.True(t, status.Locked)
	assert.Equal(t, 5, status.Attempts)
	assert.Equal(t, last, *repo.get(user.ID).LastFailedLogin)
	assert.Empty(t, events.events)
}

func TestLockoutService_ExpiredLockAutoUnlocks(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, events, now := newLockoutFixture(t, user)
	ctx := context.Background()

	until := now.Add(-time.Minute)
	require.NoError(t, repo.UpdateLockState(ctx, user.ID, models.LockState{
		AccountLocked: true, LockExpiresAt: &until, FailedLoginAttempts: 5,
	}))

	assert.False(t, svc.CheckLocked(ctx, user.ID).Locked, "elapsed lock reads as unlocked")

	status := svc.RecordFailedAttempt(ctx, user.ID)

	assert.False(t, status.Locked)
	assert.Equal(t, 1, status.Attempts)
	stored := repo.get(user.ID)
	assert.False(t, stored.AccountLocked)
	assert.Nil(t, stored.LockExpiresAt)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Len(t, events.ofType(models.EventAccountAutoUnlocked), 1)
}

func TestLockoutService_WindowResetsAttempts(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, _, now := newLockoutFixture(t, user)
	ctx := context.Background()

	last := now.Add(-AttemptWindow - time.Minute)
	require.NoError(t, repo.UpdateLockState(ctx, user.ID, models.LockState{FailedLoginAttempts: 4, LastFailedLogin: &last}))

	status := svc.RecordFailedAttempt(ctx, user.ID)

	assert.False(t, status.Locked)
	assert.Equal(t, 1, status.Attempts)
}

func TestLockoutService_ResetAttempts(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, _, _ := newLockoutFixture(t, user)
	ctx := context.Background()

	svc.RecordFailedAttempt(ctx, user.ID)
	svc.RecordFailedAttempt(ctx, user.ID)
	svc.ResetAttempts(ctx, user.ID)

	stored := repo.get(user.ID)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LastFailedLogin)
}

func TestLockoutService_FailsOpenOnStorageError(t *testing.T) {
	repo := &MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewLockoutService(repo, &recordedEvents{}, discardLogger())

	status := svc.CheckLocked(context.Background(), "user-1")
	assert.False(t, status.Locked)
	assert.Equal(t, MaxFailedAttempts, status.RemainingAttempts)

	status = svc.RecordFailedAttempt(context.Background(), "user-1")
	assert.False(t, status.Locked)
}

func TestLockoutService_AdminUnlock(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, events, now := newLockoutFixture(t, user)
	ctx := context.Background()

	until := now.Add(time.Hour)
	require.NoError(t, repo.UpdateLockState(ctx, user.ID, models.LockState{AccountLocked: true, LockExpiresAt: &until, FailedLoginAttempts: 5}))

	require.NoError(t, svc.Unlock(ctx, user.ID, "admin-1"))

	stored := repo.get(user.ID)
	assert.False(t, stored.AccountLocked)
	assert.Equal(t, 0, stored.FailedLoginAttempts)

	unlocked := events.ofType(models.EventAccountUnlocked)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "admin-1", unlocked[0].Details["adminId"])
	assert.Equal(t, user.ID, unlocked[0].TargetUserID)
}

func TestLockoutService_AdminIndefiniteLock(t *testing.T) {
	user := NewTestUser("patient@example.com", models.RolePatient)
	svc, repo, _, now := newLockoutFixture(t, user)
	ctx := context.Background()

	require.NoError(t, svc.Lock(ctx, user.ID, "admin-1", nil))

	stored := repo.get(user.ID)
	assert.True(t, stored.AccountLocked)
	assert.Nil(t, stored.LockExpiresAt)

	*now = now.Add(365 * 24 * time.Hour)
	assert.True(t, svc.CheckLocked(ctx, user.ID).Locked)
}
