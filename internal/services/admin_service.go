package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
)

const maxActivityLimit = 20

// AdminAuditReader is the subset of the audit log repository needed by
// AdminService.
type AdminAuditReader interface {
	List(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	CountBy(ctx context.Context, column string, since time.Time) (map[string]int, error)
}

// SecretRotator rotates the JWT signing secret
type SecretRotator interface {
	Rotate(ctx context.Context, grace time.Duration) (models.SecretVersion, error)
}

// DashboardStatsResponse contains aggregate admin metrics.
type DashboardStatsResponse struct {
	TotalUsers         int `json:"total_users"`
	LockedUsers        int `json:"locked_users"`
	MFAEnabledCount    int `json:"mfa_enabled_count"`
	LoginsToday        int `json:"logins_today"`
	FailedLoginsToday  int `json:"failed_logins_today"`
	LockoutsToday      int `json:"lockouts_today"`
	CriticalEventToday int `json:"critical_events_today"`
}

// ActivityEntry is a single item in a recent-activity feed.
type ActivityEntry struct {
	Timestamp string `json:"timestamp"`
	ActorID   string `json:"actor_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	IPAddress string `json:"ip_address,omitempty"`
}

// DashboardActivityResponse contains recent event feeds.
type DashboardActivityResponse struct {
	RecentLogins []ActivityEntry `json:"recent_logins"`
	FailedLogins []ActivityEntry `json:"failed_logins"`
	Lockouts     []ActivityEntry `json:"lockouts"`
}

// AdminService performs administrator actions on other accounts and
// aggregates data for the admin dashboard. Actions on a superadmin account
// require a superadmin actor.
type AdminService struct {
	users    PatientLookup
	stats    UserStatsReader
	audit    AdminAuditReader
	lockout  *LockoutService
	mfa      *MFAService
	devices  *DeviceTrustService
	secrets  SecretRotator
	grace    time.Duration
	recorder auth.SecurityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// AdminServiceConfig wires the services AdminService delegates to.
type AdminServiceConfig struct {
	Users       PatientLookup
	Stats       UserStatsReader
	Audit       AdminAuditReader
	Lockout     *LockoutService
	MFA         *MFAService
	Devices     *DeviceTrustService
	Secrets     SecretRotator
	SecretGrace time.Duration
	Recorder    auth.SecurityRecorder
	Logger      *slog.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(cfg AdminServiceConfig) *AdminService {
	return &AdminService{
		users:    cfg.Users,
		stats:    cfg.Stats,
		audit:    cfg.Audit,
		lockout:  cfg.Lockout,
		mfa:      cfg.MFA,
		devices:  cfg.Devices,
		secrets:  cfg.Secrets,
		grace:    cfg.SecretGrace,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// LockUser locks id until the given time, or indefinitely when until is nil.
func (s *AdminService) LockUser(ctx context.Context, actor *models.User, id string, until *time.Time) error {
	if actor.ID == id {
		return models.ErrCannotModifySelf
	}
	if err := s.checkTarget(ctx, actor, id); err != nil {
		return err
	}
	return s.lockout.Lock(ctx, id, actor.ID, until)
}

// UnlockUser clears the lock and failed attempt count on id.
func (s *AdminService) UnlockUser(ctx context.Context, actor *models.User, id string) error {
	if err := s.checkTarget(ctx, actor, id); err != nil {
		return err
	}
	return s.lockout.Unlock(ctx, id, actor.ID)
}

// DisableMFA turns off MFA for id, for users who lost their authenticator.
func (s *AdminService) DisableMFA(ctx context.Context, actor *models.User, id string) error {
	if err := s.checkTarget(ctx, actor, id); err != nil {
		return err
	}
	return s.mfa.Disable(ctx, id, actor.ID)
}

// RemoveDevice revokes trust in one of id's mobile devices.
func (s *AdminService) RemoveDevice(ctx context.Context, actor *models.User, id, deviceID string) (bool, error) {
	if err := s.checkTarget(ctx, actor, id); err != nil {
		return false, err
	}
	return s.devices.RemoveTrustedDevice(ctx, id, deviceID, actor.ID)
}

// RotateSecret installs a new signing secret. Tokens signed with the old
// secret stay valid for the configured grace period.
func (s *AdminService) RotateSecret(ctx context.Context, actor *models.User) (models.SecretVersion, error) {
	if !actor.IsSuperadmin {
		return models.SecretVersion{}, models.ErrSuperadminRequired
	}

	version, err := s.secrets.Rotate(ctx, s.grace)
	if err != nil {
		s.logger.Error("failed to rotate signing secret", slog.Any("error", err))
		return models.SecretVersion{}, models.ErrInternalServer
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventSecretRotated,
		UserID:       actor.ID,
		ResourceType: models.ResourceSecret,
		Message:      "JWT signing secret rotated",
		Details:      map[string]interface{}{"graceHours": s.grace.Hours()},
	})
	return version, nil
}

// GetDashboardStats returns account totals and today's security activity.
func (s *AdminService) GetDashboardStats(ctx context.Context) (*DashboardStatsResponse, error) {
	stats, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Error("dashboard: failed to read user stats", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	byType, err := s.audit.CountBy(ctx, "event_type", today)
	if err != nil {
		s.logger.Error("dashboard: failed to count events", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	bySeverity, err := s.audit.CountBy(ctx, "severity", today)
	if err != nil {
		s.logger.Error("dashboard: failed to count severities", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &DashboardStatsResponse{
		TotalUsers:         stats.Total,
		LockedUsers:        stats.Locked,
		MFAEnabledCount:    stats.MFAEnabled,
		LoginsToday:        byType[string(models.EventLoginSuccess)],
		FailedLoginsToday:  byType[string(models.EventLoginFailure)],
		LockoutsToday:      byType[string(models.EventAccountLocked)],
		CriticalEventToday: bySeverity[string(models.SeverityCritical)],
	}, nil
}

// GetRecentActivity returns recent login and lockout feeds. limit is clamped
// to a maximum of 20.
func (s *AdminService) GetRecentActivity(ctx context.Context, limit int) (*DashboardActivityResponse, error) {
	if limit <= 0 || limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	feed := func(eventType models.SecurityEventType) ([]ActivityEntry, error) {
		logs, err := s.audit.List(ctx, models.AuditLogFilter{EventType: string(eventType), Limit: limit})
		if err != nil {
			s.logger.Error("dashboard: failed to fetch activity", slog.String("event_type", string(eventType)), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		entries := make([]ActivityEntry, 0, len(logs))
		for _, log := range logs {
			entry := ActivityEntry{
				Timestamp: log.CreatedAt.UTC().Format(time.RFC3339),
				ActorID:   log.UserID.String(),
				EventType: log.EventType,
				Outcome:   log.Outcome,
			}
			if log.IPAddress != nil {
				entry.IPAddress = *log.IPAddress
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}

	logins, err := feed(models.EventLoginSuccess)
	if err != nil {
		return nil, err
	}
	failed, err := feed(models.EventLoginFailure)
	if err != nil {
		return nil, err
	}
	lockouts, err := feed(models.EventAccountLocked)
	if err != nil {
		return nil, err
	}

	return &DashboardActivityResponse{RecentLogins: logins, FailedLogins: failed, Lockouts: lockouts}, nil
}

func (s *AdminService) checkTarget(ctx context.Context, actor *models.User, id string) error {
	target, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to load target user", slog.String("user_id", id), slog.Any("error", err))
		return models.ErrInternalServer
	}
	if target.IsSuperadmin && !actor.IsSuperadmin {
		return models.ErrSuperadminRequired
	}
	return nil
}
