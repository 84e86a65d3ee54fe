package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
)

const (
	MaxFailedAttempts = 5
	AttemptWindow     = 24 * time.Hour
	LockoutDuration   = 30 * time.Minute
)

// LockoutRepository reads and writes the lock columns of a user
type LockoutRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateLockState(ctx context.Context, id string, state models.LockState) error
}

// LockoutService tracks failed logins per user. Storage errors are logged
// and treated as "not locked".
type LockoutService struct {
	repo     LockoutRepository
	recorder auth.SecurityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(repo LockoutRepository, recorder auth.SecurityRecorder, logger *slog.Logger) *LockoutService {
	return &LockoutService{repo: repo, recorder: recorder, logger: logger, now: time.Now}
}

// CheckLocked reports whether userID is locked right now. An elapsed lock
// counts as unlocked.
func (s *LockoutService) CheckLocked(ctx context.Context, userID string) models.LockoutStatus {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("lockout check failed, allowing login", slog.String("user_id", userID), slog.Any("error", err))
		return models.LockoutStatus{RemainingAttempts: MaxFailedAttempts}
	}
	return s.status(user)
}

// RecordFailedAttempt advances the lockout state machine for a failed login
// and returns the resulting status.
func (s *LockoutService) RecordFailedAttempt(ctx context.Context, userID string) models.LockoutStatus {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load user for lockout", slog.String("user_id", userID), slog.Any("error", err))
		return models.LockoutStatus{RemainingAttempts: MaxFailedAttempts}
	}

	now := s.now()

	if user.AccountLocked {
		if user.IsLocked(now) {
			return s.status(user)
		}

		state := models.LockState{FailedLoginAttempts: 1, LastFailedLogin: &now}
		if err := s.repo.UpdateLockState(ctx, userID, state); err != nil {
			s.logger.Error("failed to auto-unlock account", slog.String("user_id", userID), slog.Any("error", err))
			return models.LockoutStatus{RemainingAttempts: MaxFailedAttempts}
		}
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType:    models.EventAccountAutoUnlocked,
			UserID:       userID,
			ResourceType: models.ResourceUser,
			ResourceID:   userID,
			Message:      "account lock expired",
			Details:      map[string]interface{}{"previousLockExpiresAt": user.LockExpiresAt},
		})
		return models.LockoutStatus{Attempts: 1, RemainingAttempts: MaxFailedAttempts - 1}
	}

	attempts := user.FailedLoginAttempts + 1
	if user.LastFailedLogin == nil || now.Sub(*user.LastFailedLogin) > AttemptWindow {
		attempts = 1
	}

	state := models.LockState{FailedLoginAttempts: attempts, LastFailedLogin: &now}
	if attempts >= MaxFailedAttempts {
		until := now.Add(LockoutDuration)
		state.AccountLocked = true
		state.LockExpiresAt = &until
	}

	if err := s.repo.UpdateLockState(ctx, userID, state); err != nil {
		s.logger.Error("failed to record failed login", slog.String("user_id", userID), slog.Any("error", err))
		return models.LockoutStatus{Attempts: attempts, RemainingAttempts: remaining(attempts)}
	}

	if state.AccountLocked {
		s.logger.Warn("account locked after repeated failed logins",
			slog.String("user_id", userID),
			slog.Int("attempts", attempts),
		)
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType:    models.EventAccountLocked,
			UserID:       userID,
			ResourceType: models.ResourceUser,
			ResourceID:   userID,
			Message:      "account locked after repeated failed logins",
			Details: map[string]interface{}{
				"attempts":      attempts,
				"lockExpiresAt": state.LockExpiresAt,
			},
		})
		return models.LockoutStatus{Locked: true, Attempts: attempts, LockExpiresAt: state.LockExpiresAt}
	}

	return models.LockoutStatus{Attempts: attempts, RemainingAttempts: remaining(attempts)}
}

// ResetAttempts clears all lockout state after a successful login.
func (s *LockoutService) ResetAttempts(ctx context.Context, userID string) {
	if err := s.repo.UpdateLockState(ctx, userID, models.LockState{}); err != nil {
		s.logger.Error("failed to reset failed login attempts", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// Unlock clears the lock on userID on behalf of adminID.
func (s *LockoutService) Unlock(ctx context.Context, userID, adminID string) error {
	if err := s.repo.UpdateLockState(ctx, userID, models.LockState{}); err != nil {
		s.logger.Error("failed to unlock account", slog.String("user_id", userID), slog.Any("error", err))
		return err
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventAccountUnlocked,
		UserID:       adminID,
		TargetUserID: userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "account unlocked by administrator",
		Details:      map[string]interface{}{"adminId": adminID},
	})
	return nil
}

// Lock locks userID on behalf of adminID. A nil until locks indefinitely.
func (s *LockoutService) Lock(ctx context.Context, userID, adminID string, until *time.Time) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	state := models.LockState{
		AccountLocked:       true,
		LockExpiresAt:       until,
		FailedLoginAttempts: user.FailedLoginAttempts,
		LastFailedLogin:     user.LastFailedLogin,
	}
	if err := s.repo.UpdateLockState(ctx, userID, state); err != nil {
		s.logger.Error("failed to lock account", slog.String("user_id", userID), slog.Any("error", err))
		return err
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventAccountLocked,
		UserID:       adminID,
		TargetUserID: userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "account locked by administrator",
		Details:      map[string]interface{}{"adminId": adminID, "lockExpiresAt": until},
	})
	return nil
}

func (s *LockoutService) status(user *models.User) models.LockoutStatus {
	now := s.now()
	if user.IsLocked(now) {
		return models.LockoutStatus{
			Locked:        true,
			Attempts:      user.FailedLoginAttempts,
			LockExpiresAt: user.LockExpiresAt,
		}
	}

	attempts := user.FailedLoginAttempts
	if user.AccountLocked || user.LastFailedLogin == nil || now.Sub(*user.LastFailedLogin) > AttemptWindow {
		attempts = 0
	}
	return models.LockoutStatus{Attempts: attempts, RemainingAttempts: remaining(attempts)}
}

func remaining(attempts int) int {
	if attempts >= MaxFailedAttempts {
		return 0
	}
	return MaxFailedAttempts - attempts
}
