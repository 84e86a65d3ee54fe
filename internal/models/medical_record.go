package models

import "time"

// Record types
const (
	RecordTypeVisitNote    = "visit_note"
	RecordTypePrescription = "prescription"
	RecordTypeLabResult    = "lab_result"
	RecordTypeDiagnosis    = "diagnosis"
)

// PHIFields are the MedicalRecord fields encrypted before persistence.
var PHIFields = []string{"diagnosis", "prescription", "treatment", "notes"}

// MedicalRecord is a decrypted clinical record.
type MedicalRecord struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	ProviderID   string    `json:"provider_id"`
	RecordType   string    `json:"record_type"`
	Diagnosis    string    `json:"diagnosis,omitempty"`
	Prescription string    `json:"prescription,omitempty"`
	Treatment    string    `json:"treatment,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoredMedicalRecord is a MedicalRecord as persisted, with PHI held in an
// encrypted JSON document.
type StoredMedicalRecord struct {
	ID         string
	PatientID  string
	ProviderID string
	RecordType string
	Data       map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
