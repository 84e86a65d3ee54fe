package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkglogger "github.com/qbh/portal/pkg/logger"
)

const (
	defaultAuditQueueSize = 1024
	auditWriteTimeout     = 5 * time.Second
	recentCriticalLimit   = 20
)

// AuditRepository persists and queries security events
type AuditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	CountBy(ctx context.Context, column string, since time.Time) (map[string]int, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// UserStatsReader supplies account totals for compliance reports
type UserStatsReader interface {
	Stats(ctx context.Context) (*models.UserStats, error)
}

// AuditConfig sizes the persistence queue
type AuditConfig struct {
	QueueSize int
	Workers   int
}

// AuditService records security events to the console log and the audit
// table. Persistence is asynchronous once Start is called; a full queue or a
// stopped service writes synchronously instead. Write failures are logged
// and never returned to the caller.
type AuditService struct {
	repo    AuditRepository
	users   UserStatsReader
	console *pkglogger.AuditLogger
	logger  *slog.Logger
	workers int
	now     func() time.Time

	mu      sync.RWMutex
	queue   chan *models.AuditLog
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditRepository, users UserStatsReader, logger *slog.Logger, cfg AuditConfig) *AuditService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultAuditQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &AuditService{
		repo:    repo,
		users:   users,
		console: pkglogger.NewAuditLogger(logger),
		logger:  logger,
		workers: cfg.Workers,
		now:     time.Now,
		queue:   make(chan *models.AuditLog, cfg.QueueSize),
	}
}

// Start launches the persistence workers.
func (s *AuditService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for log := range s.queue {
				s.persist(context.Background(), log)
			}
		}()
	}
}

// Close stops accepting queued events and waits for the queue to drain or
// ctx to end.
func (s *AuditService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record logs event and persists it when it names a user.
func (s *AuditService) Record(ctx context.Context, event models.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Severity == "" {
		event.Severity = models.DefaultSeverity(event.EventType)
	}
	if event.Outcome == "" {
		event.Outcome = models.OutcomeSuccess
	}
	if info, ok := auth.RequestInfoFromContext(ctx); ok {
		if event.IPAddress == "" {
			event.IPAddress = info.IPAddress
		}
		if event.UserAgent == "" {
			event.UserAgent = info.UserAgent
		}
	}
	if event.SessionID == "" {
		if session := auth.SessionFromContext(ctx); session != nil {
			event.SessionID = session.ID
		}
	}
	details := pkglogger.RedactDetails(event.Details)

	s.console.Log(ctx, pkglogger.AuditEvent{
		EventType:    string(event.EventType),
		Severity:     string(event.Severity),
		Outcome:      string(event.Outcome),
		Message:      event.Message,
		UserID:       event.UserID,
		TargetUserID: event.TargetUserID,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		SessionID:    event.SessionID,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Details:      details,
		Timestamp:    event.Timestamp,
	})

	if event.UserID == "" {
		return
	}
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		s.logger.Warn("audit event has malformed user id, not persisted",
			slog.String("event_type", string(event.EventType)))
		return
	}

	log := &models.AuditLog{
		UserID:       userID,
		EventType:    string(event.EventType),
		Severity:     string(event.Severity),
		Outcome:      string(event.Outcome),
		Message:      event.Message,
		ResourceType: optional(event.ResourceType),
		ResourceID:   optional(event.ResourceID),
		SessionID:    optional(event.SessionID),
		IPAddress:    optional(event.IPAddress),
		UserAgent:    optional(event.UserAgent),
		Details:      models.AuditMetadata(details),
		CreatedAt:    event.Timestamp,
	}
	if target, err := uuid.Parse(event.TargetUserID); err == nil {
		log.TargetUserID = &target
	}

	s.mu.RLock()
	if s.started && !s.closed {
		select {
		case s.queue <- log:
			s.mu.RUnlock()
			return
		default:
		}
	}
	s.mu.RUnlock()

	s.persist(context.WithoutCancel(ctx), log)
}

func (s *AuditService) persist(ctx context.Context, log *models.AuditLog) {
	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, log); err != nil {
		s.logger.Error("failed to persist audit log",
			slog.String("event_type", log.EventType),
			slog.String("user_id", log.UserID.String()),
			slog.Any("error", err),
		)
	}
}

// ListEvents returns persisted events matching filter, newest first.
func (s *AuditService) ListEvents(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error) {
	logs, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return logs, nil
}

// ComplianceReport summarises events since the given time together with
// account lock and MFA adoption totals.
func (s *AuditService) ComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error) {
	byType, err := s.repo.CountBy(ctx, "event_type", since)
	if err != nil {
		s.logger.Error("failed to count audit events", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	bySeverity, err := s.repo.CountBy(ctx, "severity", since)
	if err != nil {
		s.logger.Error("failed to count audit severities", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	stats, err := s.users.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to read user stats", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	critical, err := s.repo.List(ctx, models.AuditLogFilter{
		Severity: string(models.SeverityCritical),
		Since:    &since,
		Limit:    recentCriticalLimit,
	})
	if err != nil {
		s.logger.Error("failed to list critical events", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	report := &models.ComplianceReport{
		Since:           since,
		GeneratedAt:     s.now(),
		ByEventType:     byType,
		BySeverity:      bySeverity,
		LockedAccounts:  stats.Locked,
		MFAEnabledUsers: stats.MFAEnabled,
		TotalUsers:      stats.Total,
		RecentCritical:  make([]models.AuditLog, 0, len(critical)),
	}
	for _, n := range byType {
		report.TotalEvents += n
	}
	for _, log := range critical {
		report.RecentCritical = append(report.RecentCritical, *log)
	}
	return report, nil
}

// PurgeOlderThan deletes persisted events older than days.
func (s *AuditService) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	return s.repo.Cleanup(ctx, days)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
