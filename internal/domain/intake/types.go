// Package intake implements inbound records: marketing leads, staff-reviewed
// care requests, and patient-completed intake forms, together with the
// precondition guards that make their transitions safe to retry.
package intake

import (
	"encoding/json"
	"time"
)

// CareRequestStatus enumerates the staff triage states of a care request.
type CareRequestStatus string

const (
	StatusSubmitted          CareRequestStatus = "SUBMITTED"
	StatusAssigned           CareRequestStatus = "ASSIGNED"
	StatusNeedsClarification CareRequestStatus = "NEEDS_CLARIFICATION"
	StatusApprovedForCare    CareRequestStatus = "APPROVED_FOR_CARE"
	StatusArchived           CareRequestStatus = "ARCHIVED"
)

// approvableStatuses are the prior states from which approval may proceed.
// APPROVED_FOR_CARE and ARCHIVED are terminal.
var approvableStatuses = []CareRequestStatus{
	StatusSubmitted, StatusAssigned, StatusNeedsClarification,
}

// CareRequest is a staff-reviewable inbound request awaiting clinical triage.
// Once in a terminal state the row is never mutated again.
type CareRequest struct {
	ID                  string            `json:"id"`
	Status              CareRequestStatus `json:"status"`
	Payload             Payload           `json:"payload"`
	AssignedClinicianID string            `json:"assigned_clinician_id,omitempty"`
	PatientID           string            `json:"patient_id,omitempty"`
	EpisodeID           string            `json:"episode_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IntakeForm is a structured form completed by a patient. The
// ConvertedToEpisodeID field transitions null to non-null exactly once and
// is the primary idempotency guard for conversion.
type IntakeForm struct {
	ID                   string    `json:"id"`
	LeadID               string    `json:"lead_id,omitempty"`
	Payload              Payload   `json:"payload"`
	Diagnosis            string    `json:"diagnosis,omitempty"`
	History              string    `json:"history,omitempty"`
	Medications          string    `json:"medications,omitempty"`
	ConvertedToEpisodeID string    `json:"converted_to_episode_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	CompletedAt          time.Time `json:"completed_at"`
}

// Complaint is one entry of the structured complaints list inside an intake
// payload. The first entry's region is authoritative for the episode's body
// region.
type Complaint struct {
	BodyRegion  string `json:"bodyRegion"`
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity,omitempty"`
}

// Payload is the clinical context attached to an inbound record. Known
// fields are typed; everything else is retained verbatim in Raw so the
// conversion snapshot stays faithful to what was actually received.
type Payload struct {
	PatientName string          `json:"patient_name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Complaints  []Complaint     `json:"complaints,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ParsePayload decodes the known fields of an opaque intake payload while
// keeping the original bytes attached.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	p.Raw = raw
	return p, nil
}

// Bytes returns the exact payload as received, falling back to re-encoding
// the typed fields when no original bytes were attached.
func (p Payload) Bytes() json.RawMessage {
	if len(p.Raw) > 0 {
		return p.Raw
	}
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// FirstName and LastName split the payload's display name on the first space.
func (p Payload) FirstName() string {
	first, _ := splitName(p.PatientName)
	return first
}

func (p Payload) LastName() string {
	_, last := splitName(p.PatientName)
	return last
}

func splitName(full string) (string, string) {
	for i := 0; i < len(full); i++ {
		if full[i] == ' ' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}
