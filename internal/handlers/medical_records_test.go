package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/qbh/portal/internal/handlers"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/services"
	"github.com/stretchr/testify/assert"
)

func TestMedicalRecordCreate(t *testing.T) {
	provider := NewTestUser("dr@example.com", models.RoleProvider)
	patientID := uuid.NewString()
	svc := &MockMedicalRecordService{
		CreateFunc: func(ctx context.Context, actor *models.User, in services.CreateMedicalRecordInput) (*models.MedicalRecord, error) {
			assert.Equal(t, provider.ID, actor.ID)
			assert.Equal(t, patientID, in.PatientID)
			return &models.MedicalRecord{ID: uuid.NewString(), PatientID: in.PatientID, ProviderID: actor.ID, RecordType: in.RecordType, Diagnosis: in.Diagnosis}, nil
		},
	}
	h := handlers.NewMedicalRecordHandler(svc)

	req := WithUser(NewTestRequest(t, http.MethodPost, "/api/medical-records", handlers.CreateMedicalRecordRequest{
		PatientID: patientID, RecordType: "diagnosis", Diagnosis: "Seasonal allergies",
	}), provider)
	w := serve(h.Create, req)

	var record models.MedicalRecord
	AssertJSONResponse(t, w, http.StatusCreated, &record)
	assert.Equal(t, "Seasonal allergies", record.Diagnosis)
}

func TestMedicalRecordCreate_Validation(t *testing.T) {
	h := handlers.NewMedicalRecordHandler(&MockMedicalRecordService{})
	provider := NewTestUser("dr@example.com", models.RoleProvider)

	tests := []handlers.CreateMedicalRecordRequest{
		{PatientID: "not-a-uuid", RecordType: "diagnosis"},
		{PatientID: uuid.NewString(), RecordType: "horoscope"},
	}
	for _, body := range tests {
		w := serve(h.Create, WithUser(NewTestRequest(t, http.MethodPost, "/api/medical-records", body), provider))
		AssertErrorResponse(t, w, http.StatusBadRequest, "validation_error")
	}
}

func TestMedicalRecordGet_Forbidden(t *testing.T) {
	patient := NewTestUser("jane@example.com", models.RolePatient)
	svc := &MockMedicalRecordService{
		GetFunc: func(ctx context.Context, actor *models.User, id string) (*models.MedicalRecord, error) {
			assert.Equal(t, "rec-1", id)
			return nil, models.ErrForbidden
		},
	}
	h := handlers.NewMedicalRecordHandler(svc)

	req := WithURLParams(WithUser(NewTestRequest(t, http.MethodGet, "/api/medical-records/rec-1", nil), patient), map[string]string{"id": "rec-1"})
	w := serve(h.Get, req)

	AssertErrorResponse(t, w, http.StatusForbidden, "forbidden")
}

func TestMedicalRecordListMine_UsesCaller(t *testing.T) {
	patient := NewTestUser("jane@example.com", models.RolePatient)
	var gotPatient string
	svc := &MockMedicalRecordService{
		ListForPatientFunc: func(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error) {
			gotPatient = patientID
			assert.Equal(t, 50, limit)
			return []*models.MedicalRecord{{ID: "rec-1", PatientID: patientID}}, nil
		},
	}
	h := handlers.NewMedicalRecordHandler(svc)

	w := serve(h.ListMine, WithUser(NewTestRequest(t, http.MethodGet, "/api/medical-records", nil), patient))

	var resp handlers.MedicalRecordsResponse
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Len(t, resp.Records, 1)
	assert.Equal(t, patient.ID, gotPatient)
}

func TestMedicalRecordListForPatient(t *testing.T) {
	provider := NewTestUser("dr@example.com", models.RoleProvider)
	var gotPatient string
	svc := &MockMedicalRecordService{
		ListForPatientFunc: func(ctx context.Context, actor *models.User, patientID string, limit, offset int) ([]*models.MedicalRecord, error) {
			gotPatient = patientID
			assert.Equal(t, 10, limit)
			return nil, nil
		},
	}
	h := handlers.NewMedicalRecordHandler(svc)

	req := WithURLParams(WithUser(NewTestRequest(t, http.MethodGet, "/api/patients/p1/medical-records?limit=10", nil), provider), map[string]string{"patientID": "p1"})
	w := serve(h.ListForPatient, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", gotPatient)
}

func TestMedicalRecord_RequiresUser(t *testing.T) {
	h := handlers.NewMedicalRecordHandler(&MockMedicalRecordService{})

	w := serve(h.ListMine, NewTestRequest(t, http.MethodGet, "/api/medical-records", nil))

	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}
