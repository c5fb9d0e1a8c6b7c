// Package handlers provides read-only HTTP handlers for escrow state.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/web"
)

// EscrowRepository is the slice of the escrow repository the handlers need
type EscrowRepository interface {
	Get(ctx context.Context, shipmentID string) (*domain.EscrowRecord, error)
	CarrierChanges(ctx context.Context, shipmentID string) ([]*domain.CarrierChange, error)
	CurrentCarrierFromTrail(ctx context.Context, shipmentID string) (string, error)
}

// EscrowHandlers contains HTTP handlers for the escrow API
type EscrowHandlers struct {
	repo EscrowRepository
	log  zerolog.Logger
}

// NewEscrowHandlers creates a new escrow handlers instance
func NewEscrowHandlers(repo EscrowRepository, log zerolog.Logger) *EscrowHandlers {
	return &EscrowHandlers{
		repo: repo,
		log:  log.With().Str("handler", "escrow").Logger(),
	}
}

// HandleGetEscrow returns the escrow record for a shipment
// GET /api/escrow/{shipmentID}
func (h *EscrowHandlers) HandleGetEscrow(w http.ResponseWriter, r *http.Request) {
	record, err := h.repo.Get(r.Context(), chi.URLParam(r, "shipmentID"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, record)
}

// HandleCarrierChanges returns the append-only carrier change trail. The
// current carrier is recomputed from the trail so auditors can compare it
// with the escrow row.
// GET /api/escrow/{shipmentID}/changes
func (h *EscrowHandlers) HandleCarrierChanges(w http.ResponseWriter, r *http.Request) {
	shipmentID := chi.URLParam(r, "shipmentID")
	changes, err := h.repo.CarrierChanges(r.Context(), shipmentID)
	if err != nil {
		web.Error(w, err)
		return
	}

	current, err := h.repo.CurrentCarrierFromTrail(r.Context(), shipmentID)
	if err != nil {
		h.log.Warn().Err(err).Str("shipment_id", shipmentID).Msg("Carrier trail replay failed")
		current = ""
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"changes":         changes,
		"count":           len(changes),
		"current_carrier": current,
	})
}
