// Package handlers provides HTTP handlers for shipment tracking.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
	"github.com/dvitali/carovana/internal/web"
)

// ShipmentRepository is the slice of the shipment repository the handlers need
type ShipmentRepository interface {
	Create(ctx context.Context, s *domain.Shipment) error
	Get(ctx context.Context, id string) (*domain.Shipment, error)
	GetByTrackingCode(ctx context.Context, code string) (*domain.Shipment, error)
	List(ctx context.Context, status domain.ShipmentStatus, limit int) ([]*domain.Shipment, error)
	Transition(ctx context.Context, id string, to domain.ShipmentStatus) error
	UpdatePosition(ctx context.Context, id string, p domain.GeoPoint) error
}

// ShipmentHandlers contains HTTP handlers for the shipment API
type ShipmentHandlers struct {
	repo         ShipmentRepository
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewShipmentHandlers creates a new shipment handlers instance
func NewShipmentHandlers(repo ShipmentRepository, eventManager *events.Manager, log zerolog.Logger) *ShipmentHandlers {
	return &ShipmentHandlers{
		repo:         repo,
		eventManager: eventManager,
		log:          log.With().Str("handler", "shipments").Logger(),
	}
}

// HandleCreateShipment books a new shipment
// POST /api/shipments
func (h *ShipmentHandlers) HandleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var shipment domain.Shipment
	if err := web.Decode(r, &shipment); err != nil {
		web.BadRequest(w, "invalid shipment payload")
		return
	}

	if err := h.repo.Create(r.Context(), &shipment); err != nil {
		h.log.Error().Err(err).Msg("Failed to create shipment")
		web.Error(w, err)
		return
	}

	h.eventManager.Emit(events.ShipmentUpdated, "shipments_api", map[string]interface{}{
		"shipment_id": shipment.ID,
		"status":      string(shipment.Status),
	})
	web.JSON(w, http.StatusCreated, &shipment)
}

// HandleListShipments returns shipments, optionally filtered by status
// GET /api/shipments?status=in_transit&limit=50
func (h *ShipmentHandlers) HandleListShipments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := domain.ShipmentStatus(r.URL.Query().Get("status"))

	shipments, err := h.repo.List(r.Context(), status, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list shipments")
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"shipments": shipments, "count": len(shipments)})
}

// HandleGetShipment returns one shipment
// GET /api/shipments/{id}
func (h *ShipmentHandlers) HandleGetShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, shipment)
}

// HandleTrackShipment looks a shipment up by its public tracking code
// GET /api/shipments/tracking/{code}
func (h *ShipmentHandlers) HandleTrackShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := h.repo.GetByTrackingCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, shipment)
}

// HandleTransitionShipment moves a shipment through its lifecycle
// POST /api/shipments/{id}/transition
func (h *ShipmentHandlers) HandleTransitionShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status domain.ShipmentStatus `json:"status"`
	}
	if err := web.Decode(r, &req); err != nil || req.Status == "" {
		web.BadRequest(w, "target status is required")
		return
	}

	if err := h.repo.Transition(r.Context(), id, req.Status); err != nil {
		web.Error(w, err)
		return
	}
	shipment, err := h.repo.Get(r.Context(), id)
	if err != nil {
		web.Error(w, err)
		return
	}

	h.eventManager.Emit(events.ShipmentUpdated, "shipments_api", map[string]interface{}{
		"shipment_id": shipment.ID,
		"status":      string(shipment.Status),
	})
	web.JSON(w, http.StatusOK, shipment)
}

// HandleUpdatePosition records a position fix from the carrier
// POST /api/shipments/{id}/position
func (h *ShipmentHandlers) HandleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var point domain.GeoPoint
	if err := web.Decode(r, &point); err != nil {
		web.BadRequest(w, "invalid position payload")
		return
	}

	if err := h.repo.UpdatePosition(r.Context(), id, point); err != nil {
		web.Error(w, err)
		return
	}

	h.eventManager.Emit(events.CarrierPosition, "shipments_api", map[string]interface{}{
		"shipment_id": id,
		"lat":         point.Lat,
		"lon":         point.Lon,
	})
	web.JSON(w, http.StatusOK, map[string]interface{}{"shipment_id": id, "position": point})
}
