package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/qbh/portal/internal/database"
	"github.com/qbh/portal/internal/models"
)

const userColumns = `id, email, password_hash, role, is_superadmin, account_locked, lock_expires_at,
	failed_login_attempts, last_failed_login, mfa_enabled, mfa_secret, mfa_backup_codes,
	change_password_required, metadata, created_at, updated_at`

type UserRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db, pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var metadata []byte
	var backupCodes []string

	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.IsSuperadmin,
		&user.AccountLocked, &user.LockExpiresAt, &user.FailedLoginAttempts, &user.LastFailedLogin,
		&user.MFAEnabled, &user.MFASecret, pq.Array(&backupCodes),
		&user.ChangePasswordRequired, &metadata, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	user.MFABackupCodes = backupCodes
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}

	return &user, nil
}

// scanUserRows iterates through rows and scans each into User models
func scanUserRows(rows pgx.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := make([]*models.User, 0)

	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return users, nil
}

func encodeMetadata(m models.UserMetadata) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode user metadata: %w", err)
	}
	return string(raw), nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	return scanUserRows(rows)
}

func (r *UserRepository) Stats(ctx context.Context) (*models.UserStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE account_locked AND (lock_expires_at IS NULL OR lock_expires_at > NOW())),
		       COUNT(*) FILTER (WHERE mfa_enabled)
		FROM users
	`

	var stats models.UserStats
	if err := r.pool.QueryRow(ctx, query).Scan(&stats.Total, &stats.Locked, &stats.MFAEnabled); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	return &stats, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.Role == "" {
		user.Role = models.RolePatient
	}

	metadata, err := encodeMetadata(user.Metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := `
		INSERT INTO users (id, email, password_hash, role, is_superadmin, change_password_required, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING ` + userColumns

	created, err := scanUserRow(r.pool.QueryRow(ctx, query,
		uuid.New().String(), user.Email, user.PasswordHash, user.Role, user.IsSuperadmin,
		user.ChangePasswordRequired, metadata, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

// Update writes the profile fields an administrator may change.
func (r *UserRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	metadata, err := encodeMetadata(user.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE users
		SET email = $2, role = $3, is_superadmin = $4, change_password_required = $5, metadata = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	updated, err := scanUserRow(r.pool.QueryRow(ctx, query,
		user.ID, user.Email, user.Role, user.IsSuperadmin, user.ChangePasswordRequired, metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return updated, nil
}

// Delete removes a user. Users who still own medical records cannot be
// deleted.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var records int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM medical_records WHERE patient_id = $1 OR provider_id = $1`, id,
		).Scan(&records)
		if err != nil {
			return fmt.Errorf("failed to check medical records: %w", err)
		}
		if records > 0 {
			return fmt.Errorf("%w: user owns %d medical records", models.ErrConflict, records)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changeRequired bool, history []string) error {
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode password history: %w", err)
	}

	query := `
		UPDATE users
		SET password_hash = $2,
		    change_password_required = $3,
		    metadata = jsonb_set(metadata, '{passwordHistory}', $4::jsonb),
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, passwordHash, changeRequired, string(historyJSON))
}

func (r *UserRepository) UpdateLockState(ctx context.Context, id string, state models.LockState) error {
	query := `
		UPDATE users
		SET account_locked = $2, lock_expires_at = $3, failed_login_attempts = $4, last_failed_login = $5, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, state.AccountLocked, state.LockExpiresAt, state.FailedLoginAttempts, state.LastFailedLogin)
}

func (r *UserRepository) UpdateMFA(ctx context.Context, id string, enabled bool, secret *string, backupCodes []string) error {
	if backupCodes == nil {
		backupCodes = []string{}
	}
	query := `
		UPDATE users
		SET mfa_enabled = $2, mfa_secret = $3, mfa_backup_codes = $4, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, enabled, secret, pq.Array(backupCodes))
}

func (r *UserRepository) UpdateBackupCodes(ctx context.Context, id string, backupCodes []string) error {
	if backupCodes == nil {
		backupCodes = []string{}
	}
	query := `UPDATE users SET mfa_backup_codes = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, pq.Array(backupCodes))
}

func (r *UserRepository) UpdateMetadata(ctx context.Context, id string, metadata models.UserMetadata) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	query := `UPDATE users SET metadata = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, encoded)
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
