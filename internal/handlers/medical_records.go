package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// MedicalRecordServiceInterface is the record capability used by MedicalRecordHandler
type MedicalRecordServiceInterface interface {
	Create(ctx context.Context, actor *models.User, in services.CreateMedicalRecordInput) (*models.MedicalRecord, error)
	Get(ctx context.Context, actor *models.User, id string) (*models.MedicalRecord, error)
	ListForPatient(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error)
}

// MedicalRecordHandler serves medical records. Access rules and PHI auditing
// live in the service.
type MedicalRecordHandler struct {
	service MedicalRecordServiceInterface
}

// NewMedicalRecordHandler creates a new MedicalRecordHandler
func NewMedicalRecordHandler(service MedicalRecordServiceInterface) *MedicalRecordHandler {
	return &MedicalRecordHandler{service: service}
}

// CreateMedicalRecordRequest is a new clinical record
type CreateMedicalRecordRequest struct {
	PatientID    string `json:"patientId" validate:"required,uuid"`
	RecordType   string `json:"recordType" validate:"required,oneof=visit_note prescription lab_result diagnosis"`
	Diagnosis    string `json:"diagnosis" validate:"max=10000"`
	Prescription string `json:"prescription" validate:"max=10000"`
	Treatment    string `json:"treatment" validate:"max=10000"`
	Notes        string `json:"notes" validate:"max=20000"`
}

// MedicalRecordsResponse is a page of records
type MedicalRecordsResponse struct {
	Records []*models.MedicalRecord `json:"records"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Create handles POST /api/medical-records
func (h *MedicalRecordHandler) Create(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	var req CreateMedicalRecordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return err
	}

	record, err := h.service.Create(r.Context(), actor, services.CreateMedicalRecordInput{
		PatientID:    req.PatientID,
		RecordType:   req.RecordType,
		Diagnosis:    req.Diagnosis,
		Prescription: req.Prescription,
		Treatment:    req.Treatment,
		Notes:        req.Notes,
	})
	if err != nil {
		return err
	}

	pkghttp.WriteJSON(w, http.StatusCreated, record)
	return nil
}

// Get handles GET /api/medical-records/{id}
func (h *MedicalRecordHandler) Get(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	record, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, record)
	return nil
}

// ListForPatient handles GET /api/patients/{patientID}/medical-records
func (h *MedicalRecordHandler) ListForPatient(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	limit, offset, err := pagination(r, 50, 200)
	if err != nil {
		return err
	}

	records, err := h.service.ListForPatient(r.Context(), actor, chi.URLParam(r, "patientID"), limit, offset)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, MedicalRecordsResponse{Records: records, Limit: limit, Offset: offset})
	return nil
}

// ListMine handles GET /api/medical-records, the caller's own records.
func (h *MedicalRecordHandler) ListMine(w http.ResponseWriter, r *http.Request) error {
	actor, err := currentUser(r)
	if err != nil {
		return err
	}

	limit, offset, err := pagination(r, 50, 200)
	if err != nil {
		return err
	}

	records, err := h.service.ListForPatient(r.Context(), actor, actor.ID, limit, offset)
	if err != nil {
		return err
	}
	pkghttp.WriteJSON(w, http.StatusOK, MedicalRecordsResponse{Records: records, Limit: limit, Offset: offset})
	return nil
}
