// Package episode implements the clinically owned unit of care produced by
// the conversion pipeline.
package episode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/curahealth/careflow/internal/domain/intake"
)

// Status enumerates episode lifecycle states. Episodes are soft-closed via
// discharge statuses and never deleted.
type Status string

const (
	StatusActive           Status = "active"
	StatusConservativeCare Status = "ACTIVE_CONSERVATIVE_CARE"
	StatusDischargePending Status = "discharge_pending"
	StatusDischarged       Status = "discharged"
)

// DefaultBodyRegion is used when the source payload carries no structured
// complaints.
const DefaultBodyRegion = "General"

// SourceKind identifies which inbound record an episode was converted from.
type SourceKind string

const (
	SourceCareRequest SourceKind = "care_request"
	SourceIntakeForm  SourceKind = "intake_form"
)

// Episode is the clinically owned unit of care. The back-reference fields
// are write-once: they are set at conversion and never revised.
type Episode struct {
	ID                  string     `json:"id"`
	PatientID           string     `json:"patient_id"`
	PatientName         string     `json:"patient_name"`
	AssignedClinicianID string     `json:"assigned_clinician_id,omitempty"`
	ClinicID            string     `json:"clinic_id,omitempty"`
	BodyRegion          string     `json:"body_region"`
	Status              Status     `json:"status"`
	SourceKind          SourceKind `json:"source_kind"`
	SourceID            string     `json:"source_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NewID generates an episode identifier without a central sequence: a
// high-resolution timestamp plus a random suffix. Collisions are
// astronomically unlikely, which is the guarantee callers rely on.
func NewID() string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// nanosecond clock rather than panic in the request path.
		return fmt.Sprintf("EP-%d-%08x", time.Now().UnixMilli(), time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("EP-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// DeriveBodyRegion picks the episode's body region from a complaints list.
// The first entry wins; severity never reorders the list. An empty list
// falls back to the default category.
func DeriveBodyRegion(complaints []intake.Complaint) string {
	for _, c := range complaints {
		if c.BodyRegion != "" {
			return c.BodyRegion
		}
	}
	return DefaultBodyRegion
}
