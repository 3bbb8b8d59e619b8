package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curahealth/careflow/internal/domain/discharge"
	"github.com/curahealth/careflow/internal/ledger"
)

// LetterFlow is the discharge flow surface the handler needs.
type LetterFlow interface {
	GenerateDraft(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error)
	Confirm(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error)
	Send(ctx context.Context, episodeID string, actor ledger.Actor) (*discharge.Letter, error)
	Get(ctx context.Context, episodeID string) (*discharge.Letter, error)
}

// DischargeHandler serves the discharge-letter endpoints under
// /episodes/{id}/discharge-letter.
type DischargeHandler struct {
	flow   LetterFlow
	logger *zap.Logger
}

// NewDischargeHandler creates the handler.
func NewDischargeHandler(flow LetterFlow, logger *zap.Logger) *DischargeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DischargeHandler{flow: flow, logger: logger}
}

// Routes returns routes mounted under /episodes/{id}/discharge-letter.
func (h *DischargeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.GenerateDraft)
	r.Get("/", h.Get)
	r.Post("/confirm", h.Confirm)
	r.Post("/send", h.Send)
	return r
}

// LetterResponse is the success body for the letter endpoints.
type LetterResponse struct {
	Success bool              `json:"success"`
	Letter  *discharge.Letter `json:"letter"`
}

// GenerateDraft handles POST /episodes/{id}/discharge-letter
func (h *DischargeHandler) GenerateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	episodeID := chi.URLParam(r, "id")

	letter, err := h.flow.GenerateDraft(ctx, episodeID, staffActor(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LetterResponse{Success: true, Letter: letter})
}

// Confirm handles POST /episodes/{id}/discharge-letter/confirm
func (h *DischargeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	episodeID := chi.URLParam(r, "id")

	letter, err := h.flow.Confirm(ctx, episodeID, staffActor(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LetterResponse{Success: true, Letter: letter})
}

// Send handles POST /episodes/{id}/discharge-letter/send
func (h *DischargeHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	episodeID := chi.URLParam(r, "id")

	letter, err := h.flow.Send(ctx, episodeID, staffActor(ctx))
	if err != nil {
		h.logger.Warn("letter send rejected",
			zap.String("episode_id", episodeID),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LetterResponse{Success: true, Letter: letter})
}

// Get handles GET /episodes/{id}/discharge-letter
func (h *DischargeHandler) Get(w http.ResponseWriter, r *http.Request) {
	letter, err := h.flow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LetterResponse{Success: true, Letter: letter})
}
