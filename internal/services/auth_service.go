package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
	pkglogger "github.com/qbh/portal/pkg/logger"
)

// PasswordHistorySize is how many previous hashes a new password is checked
// against.
const PasswordHistorySize = 5

// AuthRepository defines the user data access needed by AuthService
type AuthRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error
}

// RegisterInput is the self-service registration request
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// AuthService handles password authentication and credential changes
type AuthService struct {
	repo     AuthRepository
	tokens   *auth.TokenManager
	lockout  *LockoutService
	mfa      *MFAService
	notifier Notifier
	recorder auth.SecurityRecorder
	logger   *slog.Logger
	delay    auth.FailureDelay
}

// NewAuthService creates a new AuthService
func NewAuthService(
	repo AuthRepository,
	tokens *auth.TokenManager,
	lockout *LockoutService,
	mfa *MFAService,
	notifier Notifier,
	recorder auth.SecurityRecorder,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		repo:     repo,
		tokens:   tokens,
		lockout:  lockout,
		mfa:      mfa,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		delay:    auth.DefaultFailureDelay,
	}
}

// Authenticate verifies email and password and, when the account uses MFA,
// mfaCode. Failed passwords and codes count toward the lockout threshold.
// It returns ErrMFARequired when a code is needed but absent and an
// *models.AccountLockedError while the account is locked.
func (s *AuthService) Authenticate(ctx context.Context, email, password, mfaCode string) (*models.User, error) {
	start := time.Now()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		s.delay.Pad(ctx, start)
		return nil, models.ErrUnauthorized
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("login failed: invalid credentials", slog.String("email", pkglogger.SanitizedEmail(email)))
			s.recorder.Record(ctx, models.SecurityEvent{
				EventType: models.EventLoginFailure,
				Outcome:   models.OutcomeFailure,
				Message:   "login failed: unknown account",
				Details:   map[string]interface{}{"reason": "invalid_credentials"},
			})
			s.delay.Pad(ctx, start)
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if status := s.lockout.CheckLocked(ctx, user.ID); status.Locked {
		s.recordLoginFailure(ctx, user.ID, "account_locked", nil)
		s.delay.Pad(ctx, start)
		return nil, &models.AccountLockedError{Until: status.LockExpiresAt}
	}

	if !pkgauth.ComparePassword(user.PasswordHash, password) {
		err := s.failAttempt(ctx, user.ID, "invalid_credentials", models.ErrUnauthorized)
		s.delay.Pad(ctx, start)
		return nil, err
	}

	if user.MFAEnabled {
		if strings.TrimSpace(mfaCode) == "" {
			return nil, models.ErrMFARequired
		}
		if !s.mfa.VerifyLoginCode(ctx, user, mfaCode) {
			err := s.failAttempt(ctx, user.ID, "invalid_mfa_code", models.ErrInvalidMFACode)
			s.delay.Pad(ctx, start)
			return nil, err
		}
	}

	s.lockout.ResetAttempts(ctx, user.ID)
	user.AccountLocked = false
	user.LockExpiresAt = nil
	user.FailedLoginAttempts = 0
	user.LastFailedLogin = nil

	s.logger.Info("user authenticated", slog.String("user_id", user.ID))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventLoginSuccess,
		UserID:       user.ID,
		ResourceType: models.ResourceUser,
		ResourceID:   user.ID,
		Message:      "login succeeded",
		Details:      map[string]interface{}{"mfa": user.MFAEnabled},
	})
	return user, nil
}

// Login authenticates and issues a web token.
func (s *AuthService) Login(ctx context.Context, email, password, mfaCode string) (*models.LoginResult, error) {
	user, err := s.Authenticate(ctx, email, password, mfaCode)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.GenerateToken(ctx, user)
	if err != nil {
		s.logger.Error("failed to generate token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.LoginResult{
		User:                   user,
		Token:                  token,
		MFASetupRequired:       RequiresMFA(user) && !user.MFAEnabled,
		ChangePasswordRequired: user.ChangePasswordRequired,
	}, nil
}

// Logout records the end of userID's session.
func (s *AuthService) Logout(ctx context.Context, userID string) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventLogout,
		UserID:       userID,
		ResourceType: models.ResourceSession,
		Message:      "user logged out",
	})
}

// Register creates a patient account with a scrypt password hash.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrBadRequest)
	}

	if err := pkgauth.ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	_, err := s.repo.GetByEmail(ctx, email)
	if err == nil {
		s.logger.Info("registration failed: user already exists")
		return nil, models.ErrConflict
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check if user exists", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hash, err := pkgauth.HashPassword(in.Password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	created, err := s.repo.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         models.RolePatient,
		Metadata: models.UserMetadata{
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
			Phone:     strings.TrimSpace(in.Phone),
		},
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user registered", slog.String("user_id", created.ID))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventUserCreated,
		UserID:       created.ID,
		TargetUserID: created.ID,
		ResourceType: models.ResourceUser,
		ResourceID:   created.ID,
		Message:      "user registered",
		Details:      map[string]interface{}{"role": created.Role, "selfService": true},
	})
	return created, nil
}

// ChangePassword replaces userID's password after checking the current one.
// The new password must differ from the last PasswordHistorySize passwords.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if !pkgauth.ComparePassword(user.PasswordHash, currentPassword) {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType:    models.EventPasswordChange,
			Outcome:      models.OutcomeFailure,
			Severity:     models.SeverityHigh,
			UserID:       userID,
			ResourceType: models.ResourceUser,
			ResourceID:   userID,
			Message:      "password change rejected: current password incorrect",
		})
		return models.ErrUnauthorized
	}

	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPasswordChange,
		UserID:       userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "password changed",
	})
	return nil
}

// RequestPasswordReset delivers a reset link when email belongs to an
// account. The result does not reveal whether it does.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	start := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to look up user for password reset", slog.Any("error", err))
		}
		s.delay.Pad(ctx, start)
		return nil
	}

	token, err := s.tokens.GeneratePasswordResetToken(ctx, user)
	if err != nil {
		s.logger.Error("failed to generate password reset token", slog.String("user_id", user.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	expiresAt := time.Now().Add(s.tokens.ResetExpiry())
	if err := s.notifier.SendPasswordReset(ctx, user, token, expiresAt); err != nil {
		s.logger.Error("failed to deliver password reset", slog.String("user_id", user.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPasswordResetRequest,
		UserID:       user.ID,
		ResourceType: models.ResourceUser,
		ResourceID:   user.ID,
		Message:      "password reset requested",
		Details:      map[string]interface{}{"expiresAt": expiresAt},
	})
	s.delay.Pad(ctx, start)
	return nil
}

// ResetPassword sets a new password using a reset token. A token stops
// working once the password it was issued against has changed. A
// successful reset also clears any lockout.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := s.tokens.ValidateToken(ctx, token)
	if err != nil || claims.TokenType != models.TokenTypePasswordReset {
		return models.ErrInvalidResetToken
	}

	user, err := s.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidResetToken
		}
		return err
	}

	if claims.Fingerprint != auth.PasswordFingerprint(user.PasswordHash) {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType:    models.EventTokenInvalid,
			Outcome:      models.OutcomeFailure,
			UserID:       user.ID,
			ResourceType: models.ResourceUser,
			ResourceID:   user.ID,
			Message:      "password reset token already used",
		})
		return models.ErrInvalidResetToken
	}

	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}
	s.lockout.ResetAttempts(ctx, user.ID)

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPasswordReset,
		UserID:       user.ID,
		ResourceType: models.ResourceUser,
		ResourceID:   user.ID,
		Message:      "password reset with emailed token",
	})
	return nil
}

// setPassword validates, checks history and stores newPassword for user.
func (s *AuthService) setPassword(ctx context.Context, user *models.User, newPassword string) error {
	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return err
	}
	if PasswordReused(user, newPassword) {
		return models.ErrPasswordReused
	}

	hash, err := pkgauth.HashPasswordBcrypt(newPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	history := AppendPasswordHistory(user.Metadata.PasswordHistory, user.PasswordHash)
	if err := s.repo.UpdatePassword(ctx, user.ID, hash, false, history); err != nil {
		s.logger.Error("failed to update password", slog.String("user_id", user.ID), slog.Any("error", err))
		return fmt.Errorf("failed to update password: %w", err)
	}

	user.PasswordHash = hash
	user.ChangePasswordRequired = false
	user.Metadata.PasswordHistory = history
	return nil
}

func (s *AuthService) failAttempt(ctx context.Context, userID, reason string, err error) error {
	status := s.lockout.RecordFailedAttempt(ctx, userID)
	s.recordLoginFailure(ctx, userID, reason, &status)
	if status.Locked {
		return &models.AccountLockedError{Until: status.LockExpiresAt}
	}
	return err
}

func (s *AuthService) recordLoginFailure(ctx context.Context, userID, reason string, status *models.LockoutStatus) {
	details := map[string]interface{}{"reason": reason}
	if status != nil {
		details["attempts"] = status.Attempts
		details["remainingAttempts"] = status.RemainingAttempts
	}
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventLoginFailure,
		Outcome:      models.OutcomeFailure,
		UserID:       userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "login failed",
		Details:      details,
	})
}

// PasswordReused reports whether password matches user's current hash or
// any hash in the password history.
func PasswordReused(user *models.User, password string) bool {
	if user.PasswordHash != "" && pkgauth.ComparePassword(user.PasswordHash, password) {
		return true
	}
	for _, old := range user.Metadata.PasswordHistory {
		if pkgauth.ComparePassword(old, password) {
			return true
		}
	}
	return false
}

// AppendPasswordHistory puts previous at the front of history and keeps the
// newest PasswordHistorySize entries.
func AppendPasswordHistory(history []string, previous string) []string {
	out := make([]string, 0, PasswordHistorySize)
	if previous != "" {
		out = append(out, previous)
	}
	for _, h := range history {
		if len(out) == PasswordHistorySize {
			break
		}
		out = append(out, h)
	}
	return out
}
