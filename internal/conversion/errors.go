package conversion

import (
	"errors"
	"net/http"

	"github.com/curahealth/careflow/internal/domain/discharge"
	"github.com/curahealth/careflow/internal/domain/intake"
)

// Stable error codes exposed on the API surface. Clients branch on these;
// renaming one is a breaking change.
const (
	CodeAlreadyApproved  = "ALREADY_APPROVED"
	CodeInvalidState     = "INVALID_STATE"
	CodeMissingClinician = "MISSING_CLINICIAN"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION"
	CodeAlreadyConfirmed = "ALREADY_CONFIRMED"
	CodeAlreadySent      = "ALREADY_SENT"
	CodeEpisodeNotClosed = "EPISODE_NOT_CLOSED"
	CodeEpisodeNotFound  = "EPISODE_NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// CodeFor maps a pipeline error to its stable code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, intake.ErrAlreadyApproved):
		return CodeAlreadyApproved
	case errors.Is(err, intake.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, intake.ErrMissingClinician):
		return CodeMissingClinician
	case errors.Is(err, intake.ErrNotFound),
		errors.Is(err, discharge.ErrLetterNotFound):
		return CodeNotFound
	case errors.Is(err, discharge.ErrEpisodeNotFound):
		return CodeEpisodeNotFound
	case errors.Is(err, discharge.ErrAlreadyConfirmed):
		return CodeAlreadyConfirmed
	case errors.Is(err, discharge.ErrAlreadySent):
		return CodeAlreadySent
	case errors.Is(err, discharge.ErrEpisodeNotClosed):
		return CodeEpisodeNotClosed
	default:
		return CodeInternal
	}
}

// HTTPStatus maps a stable code to its response status.
func HTTPStatus(code string) int {
	switch code {
	case CodeAlreadyApproved, CodeAlreadyConfirmed, CodeAlreadySent, CodeInvalidState, CodeEpisodeNotClosed:
		return http.StatusConflict
	case CodeMissingClinician, CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound, CodeEpisodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
