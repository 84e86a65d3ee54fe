package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/pkg/fieldcrypt"
)

// MFARepository reads and writes the MFA columns of a user
type MFARepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateMFA(ctx context.Context, id string, enabled bool, secret *string, backupCodes []string) error
	UpdateBackupCodes(ctx context.Context, id string, backupCodes []string) error
}

// MFAService manages TOTP enrollment and verification. The TOTP secret is
// stored encrypted; backup codes are stored as hashes.
type MFAService struct {
	repo     MFARepository
	totp     *auth.TOTPManager
	cipher   *fieldcrypt.Cipher
	recorder auth.SecurityRecorder
	logger   *slog.Logger
}

// NewMFAService creates a new MFAService
func NewMFAService(repo MFARepository, totp *auth.TOTPManager, cipher *fieldcrypt.Cipher, recorder auth.SecurityRecorder, logger *slog.Logger) *MFAService {
	return &MFAService{repo: repo, totp: totp, cipher: cipher, recorder: recorder, logger: logger}
}

// GenerateSecret creates enrollment material for accountName. Nothing is
// persisted until Enable.
func (s *MFAService) GenerateSecret(accountName string) (*models.MFASetup, error) {
	setup, err := s.totp.GenerateSecret(accountName)
	if err != nil {
		s.logger.Error("failed to generate MFA secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return setup, nil
}

// VerifyToken checks a TOTP code against a plaintext secret.
func (s *MFAService) VerifyToken(token, secret string) bool {
	return s.totp.Validate(token, secret)
}

// Enable turns on MFA for userID after token proves possession of secret,
// and returns the plaintext backup codes. They are not retrievable later.
func (s *MFAService) Enable(ctx context.Context, userID, secret, token string) ([]string, error) {
	if !s.VerifyToken(token, secret) {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType: models.EventMFAVerificationFailed,
			Outcome:   models.OutcomeFailure,
			UserID:    userID,
			Message:   "MFA enrollment code rejected",
			Details:   map[string]interface{}{"stage": "enrollment"},
		})
		return nil, models.ErrInvalidMFACode
	}

	codes, hashes, err := s.totp.GenerateBackupCodes(auth.BackupCodeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	encrypted, err := s.cipher.EncryptString(secret)
	if err != nil {
		s.logger.Error("failed to encrypt MFA secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.repo.UpdateMFA(ctx, userID, true, &encrypted, hashes); err != nil {
		s.logger.Error("failed to enable MFA", slog.String("user_id", userID), slog.Any("error", err))
		return nil, fmt.Errorf("failed to enable MFA: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventMFAEnabled,
		UserID:       userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "MFA enabled",
		Details:      map[string]interface{}{"codesIssued": len(codes)},
	})
	return codes, nil
}

// Disable turns off MFA for userID. actorID is the user or administrator
// making the change.
func (s *MFAService) Disable(ctx context.Context, userID, actorID string) error {
	if err := s.repo.UpdateMFA(ctx, userID, false, nil, nil); err != nil {
		s.logger.Error("failed to disable MFA", slog.String("user_id", userID), slog.Any("error", err))
		return fmt.Errorf("failed to disable MFA: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventMFADisabled,
		UserID:       actorID,
		TargetUserID: userID,
		ResourceType: models.ResourceUser,
		ResourceID:   userID,
		Message:      "MFA disabled",
		Details:      map[string]interface{}{"selfService": actorID == userID},
	})
	return nil
}

// IsRequired reports whether userID must use MFA. Lookup failures return
// false.
func (s *MFAService) IsRequired(ctx context.Context, userID string) bool {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("MFA requirement check failed", slog.String("user_id", userID), slog.Any("error", err))
		return false
	}
	return RequiresMFA(user)
}

// RequiresMFA is true for users who enabled MFA and for privileged roles.
func RequiresMFA(user *models.User) bool {
	return user.MFAEnabled || user.Role == models.RoleAdmin || user.Role == models.RoleProvider
}

// VerifyLoginCode accepts a current TOTP code or an unused backup code for
// user. A matched backup code is consumed. Any internal failure rejects.
func (s *MFAService) VerifyLoginCode(ctx context.Context, user *models.User, code string) bool {
	if !user.MFAEnabled || user.MFASecret == nil {
		return false
	}

	secret, err := s.cipher.DecryptString(*user.MFASecret)
	if err != nil {
		s.logger.Error("failed to decrypt MFA secret", slog.String("user_id", user.ID), slog.Any("error", err))
		return false
	}

	if s.totp.Validate(code, secret) {
		s.recordVerified(ctx, user.ID, "totp", len(user.MFABackupCodes))
		return true
	}

	if idx := auth.MatchBackupCode(code, user.MFABackupCodes); idx >= 0 {
		remainingCodes := make([]string, 0, len(user.MFABackupCodes)-1)
		remainingCodes = append(remainingCodes, user.MFABackupCodes[:idx]...)
		remainingCodes = append(remainingCodes, user.MFABackupCodes[idx+1:]...)

		if err := s.repo.UpdateBackupCodes(ctx, user.ID, remainingCodes); err != nil {
			s.logger.Error("failed to consume backup code", slog.String("user_id", user.ID), slog.Any("error", err))
			return false
		}
		user.MFABackupCodes = remainingCodes
		s.recordVerified(ctx, user.ID, "backup_code", len(remainingCodes))
		return true
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType: models.EventMFAVerificationFailed,
		Outcome:   models.OutcomeFailure,
		UserID:    user.ID,
		Message:   "MFA login code rejected",
		Details:   map[string]interface{}{"stage": "login"},
	})
	return false
}

// Status reports MFA state for userID.
func (s *MFAService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.MFAStatus{
		MFAEnabled:           user.MFAEnabled,
		MFARequired:          RequiresMFA(user),
		BackupCodesRemaining: len(user.MFABackupCodes),
	}, nil
}

func (s *MFAService) recordVerified(ctx context.Context, userID, method string, remaining int) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType: models.EventMFAVerified,
		UserID:    userID,
		Message:   "MFA code accepted",
		Details:   map[string]interface{}{"method": method, "remainingCodes": remaining},
	})
}
