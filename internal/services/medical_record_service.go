package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/pkg/fieldcrypt"
)

// MedicalRecordRepository persists encrypted medical records
type MedicalRecordRepository interface {
	Create(ctx context.Context, rec *models.StoredMedicalRecord) (*models.StoredMedicalRecord, error)
	GetByID(ctx context.Context, id string) (*models.StoredMedicalRecord, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*models.StoredMedicalRecord, error)
}

// PatientLookup resolves the patient a record is written for
type PatientLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// CreateMedicalRecordInput is a provider's new record
type CreateMedicalRecordInput struct {
	PatientID    string
	RecordType   string
	Diagnosis    string
	Prescription string
	Treatment    string
	Notes        string
}

// MedicalRecordService stores medical records with PHI fields encrypted and
// audits every read and write. Patients may only see their own records;
// providers and administrators may see any.
type MedicalRecordService struct {
	repo     MedicalRecordRepository
	users    PatientLookup
	cipher   *fieldcrypt.Cipher
	recorder auth.SecurityRecorder
	logger   *slog.Logger
}

// NewMedicalRecordService creates a new MedicalRecordService
func NewMedicalRecordService(repo MedicalRecordRepository, users PatientLookup, cipher *fieldcrypt.Cipher, recorder auth.SecurityRecorder, logger *slog.Logger) *MedicalRecordService {
	return &MedicalRecordService{repo: repo, users: users, cipher: cipher, recorder: recorder, logger: logger}
}

// Create encrypts and stores a record written by actor.
func (s *MedicalRecordService) Create(ctx context.Context, actor *models.User, in CreateMedicalRecordInput) (*models.MedicalRecord, error) {
	if !canWriteRecords(actor) {
		s.recordDenied(ctx, actor, in.PatientID, "", "create")
		return nil, models.ErrForbidden
	}
	if strings.TrimSpace(in.RecordType) == "" {
		return nil, fmt.Errorf("%w: record type is required", models.ErrBadRequest)
	}

	patient, err := s.users.GetByID(ctx, in.PatientID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: patient not found", models.ErrBadRequest)
		}
		return nil, err
	}
	if patient.Role != models.RolePatient {
		return nil, fmt.Errorf("%w: records can only be written for patients", models.ErrBadRequest)
	}

	data, err := s.cipher.EncryptFields(map[string]interface{}{
		"diagnosis":    in.Diagnosis,
		"prescription": in.Prescription,
		"treatment":    in.Treatment,
		"notes":        in.Notes,
	}, models.PHIFields)
	if err != nil {
		s.logger.Error("failed to encrypt medical record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	stored, err := s.repo.Create(ctx, &models.StoredMedicalRecord{
		PatientID:  patient.ID,
		ProviderID: actor.ID,
		RecordType: in.RecordType,
		Data:       data,
	})
	if err != nil {
		s.logger.Error("failed to create medical record", slog.String("patient_id", patient.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPHIModified,
		UserID:       actor.ID,
		TargetUserID: patient.ID,
		ResourceType: models.ResourceMedicalRecord,
		ResourceID:   stored.ID,
		Message:      "medical record created",
		Details:      map[string]interface{}{"recordType": stored.RecordType, "action": "create"},
	})
	return s.decrypt(stored), nil
}

// Get returns record id if actor may read it.
func (s *MedicalRecordService) Get(ctx context.Context, actor *models.User, id string) (*models.MedicalRecord, error) {
	stored, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get medical record", slog.String("record_id", id), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if !canReadRecords(actor, stored.PatientID) {
		s.recordDenied(ctx, actor, stored.PatientID, stored.ID, "read")
		return nil, models.ErrForbidden
	}

	s.recordAccess(ctx, actor, stored.PatientID, stored.ID, 1)
	return s.decrypt(stored), nil
}

// ListForPatient returns patientID's records, newest first, if actor may
// read them.
func (s *MedicalRecordService) ListForPatient(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error) {
	if !canReadRecords(actor, patientID) {
		s.recordDenied(ctx, actor, patientID, "", "list")
		return nil, models.ErrForbidden
	}

	stored, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		s.logger.Error("failed to list medical records", slog.String("patient_id", patientID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	records := make([]*models.MedicalRecord, 0, len(stored))
	for _, rec := range stored {
		records = append(records, s.decrypt(rec))
	}
	s.recordAccess(ctx, actor, patientID, "", len(records))
	return records, nil
}

func (s *MedicalRecordService) decrypt(stored *models.StoredMedicalRecord) *models.MedicalRecord {
	data := s.cipher.DecryptFields(stored.Data, s.logger)
	return &models.MedicalRecord{
		ID:           stored.ID,
		PatientID:    stored.PatientID,
		ProviderID:   stored.ProviderID,
		RecordType:   stored.RecordType,
		Diagnosis:    stringField(data, "diagnosis"),
		Prescription: stringField(data, "prescription"),
		Treatment:    stringField(data, "treatment"),
		Notes:        stringField(data, "notes"),
		CreatedAt:    stored.CreatedAt,
		UpdatedAt:    stored.UpdatedAt,
	}
}

// stringField returns data[key] if it decrypted to a string. A field left
// encrypted after a decryption failure reads as empty.
func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func (s *MedicalRecordService) recordAccess(ctx context.Context, actor *models.User, patientID, recordID string, count int) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventPHIAccess,
		UserID:       actor.ID,
		TargetUserID: patientID,
		ResourceType: models.ResourceMedicalRecord,
		ResourceID:   recordID,
		Message:      "medical records accessed",
		Details:      map[string]interface{}{"records": count, "actorRole": actor.Role},
	})
}

func (s *MedicalRecordService) recordDenied(ctx context.Context, actor *models.User, patientID, recordID, action string) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType:    models.EventAccessDenied,
		Outcome:      models.OutcomeDenied,
		UserID:       actor.ID,
		TargetUserID: patientID,
		ResourceType: models.ResourceMedicalRecord,
		ResourceID:   recordID,
		Message:      "medical record access denied",
		Details:      map[string]interface{}{"action": action, "actorRole": actor.Role},
	})
}

func canWriteRecords(actor *models.User) bool {
	return actor.IsSuperadmin || actor.Role == models.RoleProvider || actor.Role == models.RoleAdmin
}

func canReadRecords(actor *models.User, patientID string) bool {
	if canWriteRecords(actor) {
		return true
	}
	return actor.Role == models.RolePatient && actor.ID == patientID
}
