// Package handlers provides HTTP handlers for carrier management.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/web"
)

// CarrierRepository is the slice of the carrier repository the handlers need
type CarrierRepository interface {
	Create(ctx context.Context, c *domain.Carrier) error
	Get(ctx context.Context, id string) (*domain.Carrier, error)
	List(ctx context.Context) ([]*domain.Carrier, error)
	ListAvailable(ctx context.Context, now time.Time) ([]*domain.Carrier, error)
	UpdateScores(ctx context.Context, id string, onTimeRate, reliability float64) error
	Blacklist(ctx context.Context, id string, until time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// CarrierHandlers contains HTTP handlers for the carrier API
type CarrierHandlers struct {
	repo CarrierRepository
	log  zerolog.Logger
}

// NewCarrierHandlers creates a new carrier handlers instance
func NewCarrierHandlers(repo CarrierRepository, log zerolog.Logger) *CarrierHandlers {
	return &CarrierHandlers{
		repo: repo,
		log:  log.With().Str("handler", "carriers").Logger(),
	}
}

// HandleCreateCarrier onboards a new carrier
// POST /api/carriers
func (h *CarrierHandlers) HandleCreateCarrier(w http.ResponseWriter, r *http.Request) {
	var carrier domain.Carrier
	if err := web.Decode(r, &carrier); err != nil {
		web.BadRequest(w, "invalid carrier payload")
		return
	}
	if carrier.Name == "" || carrier.Mode == "" {
		web.BadRequest(w, "name and mode are required")
		return
	}

	if err := h.repo.Create(r.Context(), &carrier); err != nil {
		h.log.Error().Err(err).Msg("Failed to create carrier")
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, &carrier)
}

// HandleListCarriers returns all carriers
// GET /api/carriers
func (h *CarrierHandlers) HandleListCarriers(w http.ResponseWriter, r *http.Request) {
	carriers, err := h.repo.List(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"carriers": carriers, "count": len(carriers)})
}

// HandleListAvailable returns carriers that can take new work right now
// GET /api/carriers/available
func (h *CarrierHandlers) HandleListAvailable(w http.ResponseWriter, r *http.Request) {
	carriers, err := h.repo.ListAvailable(r.Context(), time.Now())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"carriers": carriers, "count": len(carriers)})
}

// HandleGetCarrier returns one carrier
// GET /api/carriers/{id}
func (h *CarrierHandlers) HandleGetCarrier(w http.ResponseWriter, r *http.Request) {
	carrier, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, carrier)
}

// HandleBlacklistCarrier suspends a carrier for a period
// POST /api/carriers/{id}/blacklist
func (h *CarrierHandlers) HandleBlacklistCarrier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Hours int `json:"hours"`
	}
	if err := web.Decode(r, &req); err != nil || req.Hours <= 0 {
		web.BadRequest(w, "hours must be a positive integer")
		return
	}

	until := time.Now().Add(time.Duration(req.Hours) * time.Hour)
	if err := h.repo.Blacklist(r.Context(), id, until); err != nil {
		web.Error(w, err)
		return
	}
	h.log.Warn().Str("carrier_id", id).Time("until", until).Msg("Carrier blacklisted")
	web.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "blacklisted_until": until})
}

// HandleSetEnabled enables or disables a carrier
// POST /api/carriers/{id}/enabled
func (h *CarrierHandlers) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.BadRequest(w, "invalid payload")
		return
	}

	if err := h.repo.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": req.Enabled})
}

// HandleUpdateScores sets a carrier's performance scores
// POST /api/carriers/{id}/scores
func (h *CarrierHandlers) HandleUpdateScores(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		OnTimeRate  float64 `json:"on_time_rate"`
		Reliability float64 `json:"reliability"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.BadRequest(w, "invalid payload")
		return
	}
	if req.OnTimeRate < 0 || req.OnTimeRate > 100 || req.Reliability < 0 || req.Reliability > 100 {
		web.BadRequest(w, "scores must be between 0 and 100")
		return
	}

	if err := h.repo.UpdateScores(r.Context(), id, req.OnTimeRate, req.Reliability); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"id":           id,
		"on_time_rate": req.OnTimeRate,
		"reliability":  req.Reliability,
	})
}
