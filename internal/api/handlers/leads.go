package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/conversion"
	"github.com/curahealth/careflow/internal/domain/intake"
	"github.com/curahealth/careflow/internal/ledger"
	"github.com/curahealth/careflow/pkg/idempotency"
)

// LeadStore is the intake repository surface for the funnel endpoints.
type LeadStore interface {
	CreateLead(ctx context.Context, lead *intake.Lead) error
	GetLead(ctx context.Context, id string) (*intake.Lead, error)
	AdvanceLeadCheckpoint(ctx context.Context, id string, to intake.Checkpoint) error
	CreateIntakeForm(ctx context.Context, leadID string, payload json.RawMessage) (*intake.IntakeForm, error)
}

// WebhookInbox dedups redelivered webhook payloads.
type WebhookInbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// LeadRecorder appends funnel events to the ledger.
type LeadRecorder interface {
	Record(ctx context.Context, entityType, entityID, eventType string, actor ledger.Actor, metadata map[string]any) error
}

// LeadHandler serves the marketing-funnel endpoints and the intake
// completion webhook.
type LeadHandler struct {
	store     LeadStore
	inbox     WebhookInbox
	converter Converter
	recorder  LeadRecorder
	logger    *zap.Logger
}

// NewLeadHandler creates the handler.
func NewLeadHandler(store LeadStore, inbox WebhookInbox, converter Converter, recorder LeadRecorder, logger *zap.Logger) *LeadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeadHandler{
		store:     store,
		inbox:     inbox,
		converter: converter,
		recorder:  recorder,
		logger:    logger,
	}
}

// CreateLeadRequest is the POST /leads body.
type CreateLeadRequest struct {
	Email       string             `json:"email,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	Name        string             `json:"name,omitempty"`
	Attribution intake.Attribution `json:"attribution"`
}

// CreateLead handles POST /leads
func (h *LeadHandler) CreateLead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Email == "" && req.Phone == "" {
		writeValidationError(w, "lead needs an email or phone")
		return
	}

	lead := &intake.Lead{
		Email:       req.Email,
		Phone:       req.Phone,
		Name:        req.Name,
		Attribution: req.Attribution,
		Checkpoint:  intake.CheckpointStarted,
	}
	if err := h.store.CreateLead(ctx, lead); err != nil {
		h.logger.Error("lead create failed", zap.Error(err))
		writeError(w, err)
		return
	}

	h.record(ctx, lead.ID, ledger.EventLeadCreated, map[string]any{
		"source":   lead.Attribution.Source,
		"campaign": lead.Attribution.Campaign,
	})

	writeJSON(w, http.StatusCreated, lead)
}

// GetLead handles GET /leads/{id}
func (h *LeadHandler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// CheckpointRequest is the POST /leads/{id}/checkpoint body.
type CheckpointRequest struct {
	Checkpoint intake.Checkpoint `json:"checkpoint"`
}

// AdvanceCheckpoint handles POST /leads/{id}/checkpoint. The funnel is
// forward-only: a stale or duplicate advance is a silent no-op, because
// funnel trackers retry and replay freely.
func (h *LeadHandler) AdvanceCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req CheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}
	if req.Checkpoint.Rank() < 0 {
		writeValidationError(w, "unknown checkpoint")
		return
	}

	if err := h.store.AdvanceLeadCheckpoint(ctx, id, req.Checkpoint); err != nil {
		writeError(w, err)
		return
	}

	h.record(ctx, id, ledger.EventLeadCheckpointAdvanced, map[string]any{
		"checkpoint": string(req.Checkpoint),
	})

	lead, err := h.store.GetLead(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// IntakeCompletedWebhook is the intake portal's completion payload.
type IntakeCompletedWebhook struct {
	EventID      string          `json:"event_id,omitempty"`
	Source       string          `json:"source,omitempty"`
	LeadID       string          `json:"lead_id,omitempty"`
	IntakeFormID string          `json:"intake_form_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// webhookResult is what the inbox stores and replays for a deduped
// delivery.
type webhookResult struct {
	EpisodeID    string `json:"episodeId"`
	PatientID    string `json:"patientId"`
	IntakeFormID string `json:"intakeFormId"`
}

// IntakeCompleted handles POST /webhooks/intake-completed. Deliveries are
// at-least-once; the inbox keyed on the portal's event id collapses
// redeliveries to one conversion and replays the stored result.
func (h *LeadHandler) IntakeCompleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var hook IntakeCompletedWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeValidationError(w, "invalid webhook body")
		return
	}
	if hook.IntakeFormID == "" && len(hook.Payload) == 0 {
		writeValidationError(w, "webhook carries neither a form id nor a payload")
		return
	}

	source := hook.Source
	if source == "" {
		source = "intake-portal"
	}
	raw, _ := json.Marshal(hook)
	key := idempotency.WebhookKey(source, hook.EventID, raw)

	res, err := h.inbox.Process(ctx, key, "intake-completed", raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return h.processIntakeCompleted(ctx, hook)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) || errors.Is(err, idempotency.ErrDuplicateMessage) {
			// Another delivery of the same event is mid-flight or won the
			// claim between our read and write; tell the portal to retry
			// rather than double-process.
			writeJSON(w, http.StatusConflict, errorBody{
				Error:   conversion.CodeInvalidState,
				Message: "delivery already in progress",
			})
			return
		}
		writeError(w, err)
		return
	}

	var result webhookResult
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &result); err != nil {
			h.logger.Error("stored webhook result unreadable", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"episodeId":    result.EpisodeID,
		"patientId":    result.PatientID,
		"intakeFormId": result.IntakeFormID,
		"duplicate":    !res.IsNew,
	})
}

// processIntakeCompleted runs once per webhook event: materialize the
// form if the portal sent a raw payload, advance the lead, convert.
func (h *LeadHandler) processIntakeCompleted(ctx context.Context, hook IntakeCompletedWebhook) (json.RawMessage, error) {
	formID := hook.IntakeFormID
	if formID == "" {
		form, err := h.store.CreateIntakeForm(ctx, hook.LeadID, hook.Payload)
		if err != nil {
			return nil, err
		}
		formID = form.ID
	}

	if hook.LeadID != "" {
		if err := h.store.AdvanceLeadCheckpoint(ctx, hook.LeadID, intake.CheckpointIntakeCompleted); err != nil {
			h.logger.Warn("lead checkpoint advance failed",
				zap.String("lead_id", hook.LeadID), zap.Error(err))
		}
	}

	res, err := h.converter.ConvertIntakeForm(ctx, formID, ledger.SystemActor)
	if err != nil {
		if errors.Is(err, intake.ErrNotFound) {
			// Redelivering the same broken payload can never succeed.
			return nil, idempotency.Terminal(err)
		}
		return nil, err
	}

	out, err := json.Marshal(webhookResult{
		EpisodeID:    res.Episode.ID,
		PatientID:    res.Episode.PatientID,
		IntakeFormID: formID,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *LeadHandler) record(ctx context.Context, leadID, eventType string, metadata map[string]any) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Record(ctx, "lead", leadID, eventType, staffActor(ctx), metadata); err != nil {
		h.logger.Warn("ledger write failed",
			zap.String("lead_id", leadID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
