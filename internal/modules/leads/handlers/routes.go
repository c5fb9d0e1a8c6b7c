package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all lead routes
func (h *LeadHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/leads", func(r chi.Router) {
		r.Post("/", h.HandleCreateLead)
		r.Get("/", h.HandleListLeads)
		r.Get("/{id}", h.HandleGetLead)
		r.Delete("/{id}", h.HandleEraseLead)
		r.Post("/{id}/transition", h.HandleTransitionLead)
		r.Post("/{id}/assign", h.HandleAssignLead)
		r.Get("/{id}/interactions", h.HandleListInteractions)
		r.Post("/{id}/interactions", h.HandleAddInteraction)
	})
}
