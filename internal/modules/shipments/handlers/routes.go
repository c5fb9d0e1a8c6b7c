package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all shipment routes. Creation carries its own
// rate-limit class, tighter than the blanket read budget.
func (h *ShipmentHandlers) RegisterRoutes(r chi.Router, createLimit func(http.Handler) http.Handler) {
	r.Route("/shipments", func(r chi.Router) {
		r.With(createLimit).Post("/", h.HandleCreateShipment)
		r.Get("/", h.HandleListShipments)
		r.Get("/tracking/{code}", h.HandleTrackShipment)
		r.Get("/{id}", h.HandleGetShipment)
		r.Post("/{id}/transition", h.HandleTransitionShipment)
		r.Post("/{id}/position", h.HandleUpdatePosition)
	})
}
