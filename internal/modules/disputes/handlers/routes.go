package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all dispute routes
func (h *DisputeHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/disputes", func(r chi.Router) {
		r.Post("/open", h.HandleOpenDispute)
		r.Post("/analyze", h.HandleAnalyzeDispute)
		r.Post("/resolve", h.HandleResolveDispute)
		r.Get("/shipment/{id}", h.HandleListResolutions)
	})
}
