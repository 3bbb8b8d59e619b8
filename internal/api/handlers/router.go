package handlers

import (
	"github.com/go-chi/chi/v5"
)

// APIRouter assembles the /api/v1 route tree from the individual
// handlers. Auth and the ambient middleware are applied by the caller.
func APIRouter(conv *ConversionHandler, careRequests *CareRequestHandler, leads *LeadHandler, letters *DischargeHandler) chi.Router {
	r := chi.NewRouter()

	r.Route("/care-requests", func(r chi.Router) {
		r.Post("/", careRequests.Create)
		r.Get("/{id}", careRequests.Get)
		r.Post("/{id}/assign", careRequests.Assign)
		r.Post("/{id}/archive", careRequests.Archive)
		r.Post("/{id}/approve", conv.Approve)
	})

	r.Route("/intake-forms", func(r chi.Router) {
		r.Post("/{id}/convert", conv.Convert)
	})

	r.Route("/leads", func(r chi.Router) {
		r.Post("/", leads.CreateLead)
		r.Get("/{id}", leads.GetLead)
		r.Post("/{id}/checkpoint", leads.AdvanceCheckpoint)
	})

	r.Route("/episodes", func(r chi.Router) {
		r.Get("/{id}", conv.GetEpisode)
		r.Get("/{id}/events", conv.GetEvents)
		r.Mount("/{id}/discharge-letter", letters.Routes())
	})

	r.Post("/webhooks/intake-completed", leads.IntakeCompleted)

	return r
}
