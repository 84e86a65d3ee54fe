package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is the console rendering of a security event
type AuditEvent struct {
	EventType    string
	Severity     string
	Outcome      string
	Message      string
	UserID       string
	TargetUserID string
	ResourceType string
	ResourceID   string
	SessionID    string
	IPAddress    string
	UserAgent    string
	Details      map[string]interface{}
	Timestamp    time.Time
}

// AuditLogger writes security events to the structured console log. It is
// the only sink for events that cannot be persisted.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// Log emits event at a level derived from its severity.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("severity", event.Severity),
		slog.String("timestamp", ts.UTC().Format(time.RFC3339)),
	}

	if event.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", event.Outcome))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.TargetUserID != "" {
		attrs = append(attrs, slog.String("target_user_id", event.TargetUserID))
	}
	if event.ResourceType != "" {
		attrs = append(attrs, slog.String("resource_type", event.ResourceType))
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	msg := event.Message
	if msg == "" {
		msg = "audit"
	}
	al.logger.LogAttrs(ctx, severityLevel(event.Severity), msg, attrs...)
}

func severityLevel(severity string) slog.Level {
	switch severity {
	case "CRITICAL":
		return slog.LevelError
	case "HIGH":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
