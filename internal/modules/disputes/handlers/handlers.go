// Package handlers provides HTTP handlers for dispute intake and resolution.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/agents"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
	"github.com/dvitali/carovana/internal/web"
)

// DisputeRepository lists recorded verdicts
type DisputeRepository interface {
	ListByShipment(ctx context.Context, shipmentID string) ([]*domain.DisputeResolution, error)
}

// ShipmentStore is the slice of the shipment repository the handlers need
type ShipmentStore interface {
	Get(ctx context.Context, id string) (*domain.Shipment, error)
	Transition(ctx context.Context, id string, to domain.ShipmentStatus) error
}

// EscrowStore marks the held escrow as contested
type EscrowStore interface {
	SetStatus(ctx context.Context, shipmentID string, status domain.EscrowStatus) error
}

// Resolver settles disputes from evidence bundles
type Resolver interface {
	Analyze(bundle *domain.EvidenceBundle) agents.Analysis
	Resolve(ctx context.Context, bundle *domain.EvidenceBundle) (*domain.DisputeResolution, error)
}

// DisputeHandlers contains HTTP handlers for the dispute API
type DisputeHandlers struct {
	disputes     DisputeRepository
	shipments    ShipmentStore
	escrows      EscrowStore
	resolver     Resolver
	ledger       domain.LedgerClient
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewDisputeHandlers creates a new dispute handlers instance
func NewDisputeHandlers(
	disputes DisputeRepository,
	shipments ShipmentStore,
	escrows EscrowStore,
	resolver Resolver,
	ledgerClient domain.LedgerClient,
	eventManager *events.Manager,
	log zerolog.Logger,
) *DisputeHandlers {
	return &DisputeHandlers{
		disputes:     disputes,
		shipments:    shipments,
		escrows:      escrows,
		resolver:     resolver,
		ledger:       ledgerClient,
		eventManager: eventManager,
		log:          log.With().Str("handler", "disputes").Logger(),
	}
}

// HandleOpenDispute contests a shipment: the shipment moves to disputed, the
// escrow is frozen on the ledger and downstream agents are notified.
// POST /api/disputes/open
func (h *DisputeHandlers) HandleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentID string `json:"shipment_id"`
		Reason     string `json:"reason"`
	}
	if err := web.Decode(r, &req); err != nil || req.ShipmentID == "" {
		web.BadRequest(w, "shipment_id is required")
		return
	}
	ctx := r.Context()

	if _, err := h.shipments.Get(ctx, req.ShipmentID); err != nil {
		web.Error(w, err)
		return
	}
	if err := h.shipments.Transition(ctx, req.ShipmentID, domain.ShipmentDisputed); err != nil {
		web.Error(w, err)
		return
	}

	tx, err := h.ledger.OpenDispute(ctx, req.ShipmentID)
	if err != nil {
		h.log.Error().Err(err).Str("shipment_id", req.ShipmentID).Msg("Ledger dispute open failed")
		web.Error(w, err)
		return
	}
	if err := h.escrows.SetStatus(ctx, req.ShipmentID, domain.EscrowDisputed); err != nil {
		web.Error(w, err)
		return
	}

	h.eventManager.Emit(events.DisputeOpened, "disputes_api", map[string]interface{}{
		"shipment_id":  req.ShipmentID,
		"reason":       req.Reason,
		"ledger_tx_id": tx.TxID,
	})
	h.log.Info().Str("shipment_id", req.ShipmentID).Str("reason", req.Reason).Msg("Dispute opened")
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"shipment_id":  req.ShipmentID,
		"status":       string(domain.EscrowDisputed),
		"ledger_tx_id": tx.TxID,
	})
}

// HandleAnalyzeDispute scores an evidence bundle without settling anything
// POST /api/disputes/analyze
func (h *DisputeHandlers) HandleAnalyzeDispute(w http.ResponseWriter, r *http.Request) {
	var bundle domain.EvidenceBundle
	if err := web.Decode(r, &bundle); err != nil || bundle.ShipmentID == "" {
		web.BadRequest(w, "evidence bundle with shipment_id is required")
		return
	}
	web.JSON(w, http.StatusOK, h.resolver.Analyze(&bundle))
}

// HandleResolveDispute hands an evidence bundle to the dispute agent, which
// either settles the case or escalates it to a human.
// POST /api/disputes/resolve
func (h *DisputeHandlers) HandleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var bundle domain.EvidenceBundle
	if err := web.Decode(r, &bundle); err != nil || bundle.ShipmentID == "" {
		web.BadRequest(w, "evidence bundle with shipment_id is required")
		return
	}

	resolution, err := h.resolver.Resolve(r.Context(), &bundle)
	if errors.Is(err, domain.ErrEscalated) {
		// The agent has already emitted the escalation event.
		web.JSON(w, http.StatusAccepted, map[string]string{
			"shipment_id": bundle.ShipmentID,
			"status":      "escalated",
			"detail":      err.Error(),
		})
		return
	}
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, resolution)
}

// HandleListResolutions returns the verdicts recorded for a shipment
// GET /api/disputes/shipment/{id}
func (h *DisputeHandlers) HandleListResolutions(w http.ResponseWriter, r *http.Request) {
	resolutions, err := h.disputes.ListByShipment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"resolutions": resolutions, "count": len(resolutions)})
}
