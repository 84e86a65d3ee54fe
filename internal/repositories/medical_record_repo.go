package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qbh/portal/internal/database"
	"github.com/qbh/portal/internal/models"
)

const medicalRecordColumns = `id, patient_id, provider_id, record_type, data, created_at, updated_at`

// MedicalRecordRepository stores records whose PHI has already been
// encrypted by the caller.
type MedicalRecordRepository struct {
	pool *pgxpool.Pool
}

func NewMedicalRecordRepository(db *database.DB) *MedicalRecordRepository {
	return &MedicalRecordRepository{pool: db.Pool}
}

func scanMedicalRecordRow(row rowScanner) (*models.StoredMedicalRecord, error) {
	var rec models.StoredMedicalRecord
	var data []byte

	if err := row.Scan(&rec.ID, &rec.PatientID, &rec.ProviderID, &rec.RecordType, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	return &rec, nil
}

func scanMedicalRecordRows(rows pgx.Rows) ([]*models.StoredMedicalRecord, error) {
	defer rows.Close()

	records := make([]*models.StoredMedicalRecord, 0)
	for rows.Next() {
		rec, err := scanMedicalRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medical record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating medical records: %w", err)
	}
	return records, nil
}

func (r *MedicalRecordRepository) Create(ctx context.Context, rec *models.StoredMedicalRecord) (*models.StoredMedicalRecord, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record data: %w", err)
	}

	query := `
		INSERT INTO medical_records (id, patient_id, provider_id, record_type, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + medicalRecordColumns

	created, err := scanMedicalRecordRow(r.pool.QueryRow(ctx, query,
		uuid.New().String(), rec.PatientID, rec.ProviderID, rec.RecordType, string(data),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create medical record: %w", err)
	}
	return created, nil
}

func (r *MedicalRecordRepository) GetByID(ctx context.Context, id string) (*models.StoredMedicalRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + medicalRecordColumns + ` FROM medical_records WHERE id = $1`
	return scanMedicalRecordRow(r.pool.QueryRow(ctx, query, id))
}

func (r *MedicalRecordRepository) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*models.StoredMedicalRecord, error) {
	query := `SELECT ` + medicalRecordColumns + ` FROM medical_records WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query medical records: %w", err)
	}
	return scanMedicalRecordRows(rows)
}
