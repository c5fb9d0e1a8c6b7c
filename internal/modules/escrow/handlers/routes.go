package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all escrow routes
func (h *EscrowHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/escrow", func(r chi.Router) {
		r.Get("/{shipmentID}", h.HandleGetEscrow)
		r.Get("/{shipmentID}/changes", h.HandleCarrierChanges)
	})
}
