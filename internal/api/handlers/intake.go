package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/ledger"
)

// CareRequestStore is the intake repository surface for the care-request
// admin endpoints.
type CareRequestStore interface {
	CreateCareRequest(ctx context.Context, payload json.RawMessage) (*intake.CareRequest, error)
	GetCareRequest(ctx context.Context, id string) (*intake.CareRequest, error)
	AssignClinician(ctx context.Context, id, clinicianID string) error
	Archive(ctx context.Context, id string) error
}

// CareRequestHandler serves submission, staffing and archival of care
// requests. Approval lives on the conversion handler.
type CareRequestHandler struct {
	store    CareRequestStore
	recorder LeadRecorder
	logger   *zap.Logger
}

// NewCareRequestHandler creates the handler.
func NewCareRequestHandler(store CareRequestStore, recorder LeadRecorder, logger *zap.Logger) *CareRequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CareRequestHandler{store: store, recorder: recorder, logger: logger}
}

// Create handles POST /care-requests. The body is the opaque intake
// payload, stored verbatim.
func (h *CareRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	req, err := h.store.CreateCareRequest(ctx, payload)
	if err != nil {
		h.logger.Error("care request create failed", zap.Error(err))
		writeError(w, err)
		return
	}

	h.record(ctx, req.ID, ledger.EventCareRequestCreated)

	writeJSON(w, http.StatusCreated, req)
}

// Get handles GET /care-requests/{id}
func (h *CareRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetCareRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AssignRequest is the POST /care-requests/{id}/assign body.
type AssignRequest struct {
	ClinicianID string `json:"clinician_id"`
}

// Assign handles POST /care-requests/{id}/assign
func (h *CareRequestHandler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.ClinicianID == "" {
		writeValidationError(w, "clinician_id is required")
		return
	}

	if err := h.store.AssignClinician(ctx, id, req.ClinicianID); err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.store.GetCareRequest(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Archive handles POST /care-requests/{id}/archive
func (h *CareRequestHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.store.Archive(ctx, id); err != nil {
		writeError(w, err)
		return
	}

	h.record(ctx, id, ledger.EventCareRequestArchived)

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *CareRequestHandler) record(ctx context.Context, id, eventType string) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Record(ctx, "care_request", id, eventType, staffActor(ctx), nil); err != nil {
		h.logger.Warn("ledger write failed",
			zap.String("care_request_id", id),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
