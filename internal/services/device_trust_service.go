package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
)

const (
	DeviceCodeDigits = 6
	DeviceCodeTTL    = 10 * time.Minute
)

// DeviceRepository reads and writes the metadata document of a user
type DeviceRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateMetadata(ctx context.Context, id string, metadata models.UserMetadata) error
}

// MobileTokenIssuer signs long-lived tokens bound to a device
type MobileTokenIssuer interface {
	GenerateMobileToken(ctx context.Context, user *models.User, deviceID string) (string, time.Time, error)
}

// DeviceInfo identifies the device a verification code is issued for
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	Platform   string
}

// MobileToken is a signed mobile token and its expiry
type MobileToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeviceTrustService manages the trusted-device registry held in user
// metadata. A device becomes trusted by presenting a one-time code that was
// delivered out of band.
type DeviceTrustService struct {
	repo     DeviceRepository
	tokens   MobileTokenIssuer
	notifier Notifier
	recorder auth.SecurityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeviceTrustService creates a new DeviceTrustService
func NewDeviceTrustService(repo DeviceRepository, tokens MobileTokenIssuer, notifier Notifier, recorder auth.SecurityRecorder, logger *slog.Logger) *DeviceTrustService {
	return &DeviceTrustService{
		repo:     repo,
		tokens:   tokens,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// GenerateVerificationCode stores a 6-digit code for device and delivers it
// to the user. The code expires after DeviceCodeTTL.
func (s *DeviceTrustService) GenerateVerificationCode(ctx context.Context, userID string, device DeviceInfo) (time.Time, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}

	code, err := pkgauth.GenerateNumericCode(DeviceCodeDigits)
	if err != nil {
		s.logger.Error("failed to generate device code", slog.Any("error", err))
		return time.Time{}, models.ErrInternalServer
	}

	now := s.now()
	pending := models.DeviceVerificationCode{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Platform:   device.Platform,
		ExpiresAt:  now.Add(DeviceCodeTTL),
	}

	codes := make(map[string]models.DeviceVerificationCode, len(user.Metadata.DeviceVerificationCodes)+1)
	for c, p := range user.Metadata.DeviceVerificationCodes {
		if now.Before(p.ExpiresAt) {
			codes[c] = p
		}
	}
	codes[code] = pending
	user.Metadata.DeviceVerificationCodes = codes

	if err := s.repo.UpdateMetadata(ctx, userID, user.Metadata); err != nil {
		s.logger.Error("failed to store device code", slog.String("user_id", userID), slog.Any("error", err))
		return time.Time{}, fmt.Errorf("failed to store device code: %w", err)
	}

	if err := s.notifier.SendDeviceCode(ctx, user, code, pending); err != nil {
		return time.Time{}, fmt.Errorf("failed to deliver device code: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventDeviceCodeIssued,
		UserID:       userID,
		ResourceType: models.ResourceDevice,
		ResourceID:   device.DeviceID,
		Message:      "device verification code issued",
		Details: map[string]interface{}{
			"deviceName": device.DeviceName,
			"platform":   device.Platform,
			"expiresAt":  pending.ExpiresAt,
		},
	})
	return pending.ExpiresAt, nil
}

// VerifyDeviceCode consumes code and adds deviceID to the user's trusted
// devices. Expired codes are removed when presented.
func (s *DeviceTrustService) VerifyDeviceCode(ctx context.Context, userID, deviceID, code string) (*models.TrustedDevice, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending, ok := user.Metadata.DeviceVerificationCodes[code]
	if !ok {
		s.recordRejected(ctx, userID, deviceID, "unknown_code")
		return nil, models.ErrInvalidDeviceCode
	}

	now := s.now()
	if !now.Before(pending.ExpiresAt) {
		delete(user.Metadata.DeviceVerificationCodes, code)
		if err := s.repo.UpdateMetadata(ctx, userID, user.Metadata); err != nil {
			s.logger.Error("failed to remove expired device code", slog.String("user_id", userID), slog.Any("error", err))
		}
		s.recordRejected(ctx, userID, deviceID, "expired_code")
		return nil, models.ErrDeviceCodeExpired
	}

	if pending.DeviceID != deviceID {
		s.recordRejected(ctx, userID, deviceID, "device_mismatch")
		return nil, models.ErrDeviceMismatch
	}

	device := models.TrustedDevice{
		DeviceID:   deviceID,
		DeviceName: pending.DeviceName,
		Platform:   pending.Platform,
		LastUsed:   now,
		DateAdded:  now,
	}
	if idx := models.FindTrustedDevice(user.Metadata.TrustedDevices, deviceID); idx >= 0 {
		device.DateAdded = user.Metadata.TrustedDevices[idx].DateAdded
		user.Metadata.TrustedDevices[idx] = device
	} else {
		user.Metadata.TrustedDevices = append(user.Metadata.TrustedDevices, device)
	}
	delete(user.Metadata.DeviceVerificationCodes, code)

	if err := s.repo.UpdateMetadata(ctx, userID, user.Metadata); err != nil {
		s.logger.Error("failed to trust device", slog.String("user_id", userID), slog.Any("error", err))
		return nil, fmt.Errorf("failed to trust device: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventDeviceTrusted,
		UserID:       userID,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Message:      "device verified and trusted",
		Details:      map[string]interface{}{"deviceName": device.DeviceName, "platform": device.Platform},
	})
	return &device, nil
}

// IsDeviceTrusted reports whether deviceID is in user's trusted devices
func (s *DeviceTrustService) IsDeviceTrusted(user *models.User, deviceID string) bool {
	return models.FindTrustedDevice(user.Metadata.TrustedDevices, deviceID) >= 0
}

// GenerateMobileAuthToken issues a mobile token for a trusted device and
// records the device as used.
func (s *DeviceTrustService) GenerateMobileAuthToken(ctx context.Context, user *models.User, deviceID string) (*MobileToken, error) {
	idx := models.FindTrustedDevice(user.Metadata.TrustedDevices, deviceID)
	if idx < 0 {
		return nil, models.ErrDeviceNotTrusted
	}

	token, expiresAt, err := s.tokens.GenerateMobileToken(ctx, user, deviceID)
	if err != nil {
		s.logger.Error("failed to generate mobile token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user.Metadata.TrustedDevices[idx].LastUsed = s.now()
	if err := s.repo.UpdateMetadata(ctx, user.ID, user.Metadata); err != nil {
		s.logger.Warn("failed to update device last used", slog.String("user_id", user.ID), slog.Any("error", err))
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventMobileTokenIssued,
		UserID:       user.ID,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Message:      "mobile token issued",
		Details:      map[string]interface{}{"expiresAt": expiresAt},
	})
	return &MobileToken{Token: token, ExpiresAt: expiresAt}, nil
}

// RemoveTrustedDevice deletes deviceID from userID's trusted devices. It
// returns false when the device was not trusted.
func (s *DeviceTrustService) RemoveTrustedDevice(ctx context.Context, userID, deviceID, actorID string) (bool, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}

	idx := models.FindTrustedDevice(user.Metadata.TrustedDevices, deviceID)
	if idx < 0 {
		return false, nil
	}
	user.Metadata.TrustedDevices = append(user.Metadata.TrustedDevices[:idx], user.Metadata.TrustedDevices[idx+1:]...)

	if err := s.repo.UpdateMetadata(ctx, userID, user.Metadata); err != nil {
		s.logger.Error("failed to remove trusted device", slog.String("user_id", userID), slog.Any("error", err))
		return false, fmt.Errorf("failed to remove trusted device: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventDeviceRemoved,
		UserID:       actorID,
		TargetUserID: userID,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Message:      "trusted device removed",
	})
	return true, nil
}

// ListTrustedDevices returns userID's trusted devices
func (s *DeviceTrustService) ListTrustedDevices(ctx context.Context, userID string) ([]models.TrustedDevice, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to load trusted devices", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if user.Metadata.TrustedDevices == nil {
		return []models.TrustedDevice{}, nil
	}
	return user.Metadata.TrustedDevices, nil
}

func (s *DeviceTrustService) recordRejected(ctx context.Context, userID, deviceID, reason string) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventDeviceTrusted,
		Severity:     models.SeverityHigh,
		Outcome:      models.OutcomeFailure,
		UserID:       userID,
		ResourceType: models.ResourceDevice,
		ResourceID:   deviceID,
		Message:      "device verification rejected",
		Details:      map[string]interface{}{"reason": reason},
	})
}
