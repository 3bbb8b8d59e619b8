package intake

import "errors"

// Typed guard errors. Handlers map these to stable error codes and HTTP
// statuses; callers must be able to distinguish "nothing to do" from "you
// violated a precondition".
var (
	ErrNotFound         = errors.New("source record not found")
	ErrAlreadyApproved  = errors.New("care request already approved")
	ErrInvalidState     = errors.New("care request is archived")
	ErrMissingClinician = errors.New("no clinician assigned")
)

// ErrAlreadyConverted is returned by the conditional mark-converted write
// when another invocation won the race. The orchestrator treats it as the
// idempotent-success path, not a failure.
var ErrAlreadyConverted = errors.New("source record already converted")
