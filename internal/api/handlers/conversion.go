package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/api/middleware"
	"github.com/curahealth/careflow/internal/conversion"
	"github.com/curahealth/careflow/internal/domain/episode"
	"github.com/curahealth/careflow/internal/ledger"
)

// Converter is the orchestrator surface the handler needs.
type Converter interface {
	ApproveCareRequest(ctx context.Context, careRequestID string, actor ledger.Actor) (*conversion.Result, error)
	ConvertIntakeForm(ctx context.Context, formID string, actor ledger.Actor) (*conversion.Result, error)
}

// EpisodeReader loads episodes for the read endpoints.
type EpisodeReader interface {
	Get(ctx context.Context, id string) (*episode.Episode, error)
}

// EventLister reads the audit ledger for an entity.
type EventLister interface {
	ListForEntity(ctx context.Context, entityType, entityID string) ([]ledger.Event, error)
}

// ConversionHandler serves care-request approval, intake-form conversion
// and the episode read endpoints.
type ConversionHandler struct {
	converter Converter
	episodes  EpisodeReader
	events    EventLister
	logger    *zap.Logger
}

// NewConversionHandler creates the handler.
func NewConversionHandler(converter Converter, episodes EpisodeReader, events EventLister, logger *zap.Logger) *ConversionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversionHandler{
		converter: converter,
		episodes:  episodes,
		events:    events,
		logger:    logger,
	}
}

// ConversionResponse is the success body for both conversion endpoints.
type ConversionResponse struct {
	Success    bool   `json:"success"`
	EpisodeID  string `json:"episodeId"`
	PatientID  string `json:"patientId"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// Approve handles POST /care-requests/{id}/approve
func (h *ConversionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	res, err := h.converter.ApproveCareRequest(ctx, id, staffActor(ctx))
	if err != nil {
		h.logger.Warn("approval rejected",
			zap.String("care_request_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConversionResponse{
		Success:    true,
		EpisodeID:  res.Episode.ID,
		PatientID:  res.Episode.PatientID,
		Idempotent: res.Idempotent,
	})
}

// Convert handles POST /intake-forms/{id}/convert
func (h *ConversionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	res, err := h.converter.ConvertIntakeForm(ctx, id, staffActor(ctx))
	if err != nil {
		h.logger.Warn("conversion rejected",
			zap.String("intake_form_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConversionResponse{
		Success:    true,
		EpisodeID:  res.Episode.ID,
		PatientID:  res.Episode.PatientID,
		Idempotent: res.Idempotent,
	})
}

// GetEpisode handles GET /episodes/{id}
func (h *ConversionHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.episodes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:   conversion.CodeNotFound,
			Message: "episode not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// GetEvents handles GET /episodes/{id}/events
func (h *ConversionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListForEntity(r.Context(), "episode", chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("ledger read failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   conversion.CodeInternal,
			Message: "failed to load events",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// staffActor builds the acting principal from the authenticated client.
func staffActor(ctx context.Context) ledger.Actor {
	if clientID := middleware.GetClientID(ctx); clientID != "" {
		return ledger.Actor{Type: ledger.ActorStaff, ID: clientID}
	}
	return ledger.SystemActor
}
