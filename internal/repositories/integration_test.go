//go:build integration

package repositories_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qbh/portal/internal/database"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupDatabase starts a PostgreSQL container and applies the embedded
// migrations.
func setupDatabase(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("qbh_portal"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool, logger))
	return database.NewFromPool(pool, logger)
}

func createUser(t *testing.T, users *repositories.UserRepository, email, role string) *models.User {
	t.Helper()
	user, err := users.Create(context.Background(), &models.User{
		Email:        email,
		PasswordHash: "hash",
		Role:         role,
		Metadata:     models.UserMetadata{FirstName: "Test"},
	})
	require.NoError(t, err)
	return user
}

func TestUserRepository_Integration(t *testing.T) {
	db := setupDatabase(t)
	users := repositories.NewUserRepository(db)
	ctx := context.Background()

	created := createUser(t, users, "pat@example.com", models.RolePatient)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Test", created.Metadata.FirstName)

	t.Run("lookup by email", func(t *testing.T) {
		found, err := users.GetByEmail(ctx, "pat@example.com")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = users.GetByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		_, err := users.Create(ctx, &models.User{Email: "pat@example.com", PasswordHash: "hash"})
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("lock state round trips", func(t *testing.T) {
		until := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Microsecond)
		require.NoError(t, users.UpdateLockState(ctx, created.ID, models.LockState{
			AccountLocked:       true,
			LockExpiresAt:       &until,
			FailedLoginAttempts: 5,
		}))

		found, err := users.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, found.IsLocked(time.Now()))
		assert.Equal(t, 5, found.FailedLoginAttempts)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := users.GetByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestUserDelete_BlockedByMedicalRecords(t *testing.T) {
	db := setupDatabase(t)
	users := repositories.NewUserRepository(db)
	records := repositories.NewMedicalRecordRepository(db)
	ctx := context.Background()

	patient := createUser(t, users, "patient@example.com", models.RolePatient)
	provider := createUser(t, users, "provider@example.com", models.RoleProvider)

	rec, err := records.Create(ctx, &models.StoredMedicalRecord{
		PatientID:  patient.ID,
		ProviderID: provider.ID,
		RecordType: "consultation",
		Data:       map[string]interface{}{"notes": "ciphertext"},
	})
	require.NoError(t, err)

	err = users.Delete(ctx, patient.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	listed, err := records.ListByPatient(ctx, patient.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rec.ID, listed[0].ID)
	assert.Equal(t, "ciphertext", listed[0].Data["notes"])
}

func TestAuditLogRepository_Integration(t *testing.T) {
	db := setupDatabase(t)
	users := repositories.NewUserRepository(db)
	audit := repositories.NewAuditLogRepository(db)
	ctx := context.Background()

	user := createUser(t, users, "admin@example.com", models.RoleAdmin)
	userID := uuid.MustParse(user.ID)

	require.NoError(t, audit.Create(ctx, &models.AuditLog{
		UserID:    userID,
		EventType: string(models.EventLoginSuccess),
		Severity:  string(models.SeverityInfo),
		Outcome:   string(models.OutcomeSuccess),
		Message:   "login",
	}))
	require.NoError(t, audit.Create(ctx, &models.AuditLog{
		UserID:    userID,
		EventType: string(models.EventLoginFailure),
		Severity:  string(models.SeverityMedium),
		Outcome:   string(models.OutcomeFailure),
		Message:   "old failure",
		CreatedAt: time.Now().AddDate(0, 0, -400),
	}))

	logs, err := audit.List(ctx, models.AuditLogFilter{UserID: user.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "login", logs[0].Message)

	logs, err = audit.List(ctx, models.AuditLogFilter{EventType: string(models.EventLoginFailure), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	removed, err := audit.Cleanup(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, users.Delete(ctx, user.ID))
	logs, err = audit.List(ctx, models.AuditLogFilter{UserID: user.ID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
