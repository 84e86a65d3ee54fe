package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qbh/portal/internal/database"
	"github.com/qbh/portal/internal/models"
)

const auditLogColumns = `id, user_id, event_type, severity, outcome, message, resource_type, resource_id,
	target_user_id, session_id, ip_address, user_agent, details, created_at`

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

// scanAuditLogRow handles nullable fields and populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog
	var details []byte

	err := row.Scan(
		&log.ID, &log.UserID, &log.EventType, &log.Severity, &log.Outcome, &log.Message,
		&log.ResourceType, &log.ResourceID, &log.TargetUserID, &log.SessionID,
		&log.IPAddress, &log.UserAgent, &details, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	log.Details = models.AuditMetadata{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &log.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}

	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create appends an audit log entry
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) error {
	details := log.Details
	if details == nil {
		details = models.AuditMetadata{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			user_id, event_type, severity, outcome, message, resource_type, resource_id,
			target_user_id, session_id, ip_address, user_agent, details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.pool.Exec(ctx, query,
		log.UserID, log.EventType, log.Severity, log.Outcome, log.Message, log.ResourceType, log.ResourceID,
		log.TargetUserID, log.SessionID, log.IPAddress, log.UserAgent, string(detailsJSON), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}
	return nil
}

// List returns audit logs matching filter, newest first
func (r *AuditLogRepository) List(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error) {
	where, args := auditFilterClause(filter)

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditLogColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// CountBy groups events since the given time by column, which must be
// event_type or severity.
func (r *AuditLogRepository) CountBy(ctx context.Context, column string, since time.Time) (map[string]int, error) {
	if column != "event_type" && column != "severity" {
		return nil, fmt.Errorf("unsupported grouping column %q", column)
	}

	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM audit_logs WHERE created_at >= $1 GROUP BY %s`, column, column)

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit counts: %w", err)
	}
	return counts, nil
}

// Cleanup removes audit logs older than the retention window
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE created_at < CURRENT_TIMESTAMP - INTERVAL '1 day' * $1
	`

	result, err := r.pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}

func auditFilterClause(filter models.AuditLogFilter) (string, []interface{}) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("(user_id = $%d OR target_user_id = $%d)", len(args), len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
