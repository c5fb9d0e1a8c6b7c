package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all carrier routes
func (h *CarrierHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/carriers", func(r chi.Router) {
		r.Post("/", h.HandleCreateCarrier)
		r.Get("/", h.HandleListCarriers)
		r.Get("/available", h.HandleListAvailable)
		r.Get("/{id}", h.HandleGetCarrier)
		r.Post("/{id}/blacklist", h.HandleBlacklistCarrier)
		r.Post("/{id}/enabled", h.HandleSetEnabled)
		r.Post("/{id}/scores", h.HandleUpdateScores)
	})
}
