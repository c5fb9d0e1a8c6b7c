// Package handlers provides HTTP handlers for lead management.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/web"
)

// LeadRepository is the slice of the lead repository the handlers need
type LeadRepository interface {
	Create(ctx context.Context, lead *domain.Lead) error
	Get(ctx context.Context, id string) (*domain.Lead, error)
	List(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error)
	Transition(ctx context.Context, id string, to domain.LeadStatus) error
	AssignOwner(ctx context.Context, id, agent string) error
	Erase(ctx context.Context, id string) error
	AddInteraction(ctx context.Context, i *domain.Interaction) error
	Interactions(ctx context.Context, leadID string, limit int) ([]*domain.Interaction, error)
}

// LeadHandlers contains HTTP handlers for the lead API
type LeadHandlers struct {
	repo LeadRepository
	log  zerolog.Logger
}

// NewLeadHandlers creates a new lead handlers instance
func NewLeadHandlers(repo LeadRepository, log zerolog.Logger) *LeadHandlers {
	return &LeadHandlers{
		repo: repo,
		log:  log.With().Str("handler", "leads").Logger(),
	}
}

// HandleCreateLead registers a new lead
// POST /api/leads
func (h *LeadHandlers) HandleCreateLead(w http.ResponseWriter, r *http.Request) {
	var lead domain.Lead
	if err := web.Decode(r, &lead); err != nil {
		web.BadRequest(w, "invalid lead payload")
		return
	}
	if lead.Name == "" {
		web.BadRequest(w, "lead name is required")
		return
	}

	if err := h.repo.Create(r.Context(), &lead); err != nil {
		h.log.Error().Err(err).Msg("Failed to create lead")
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, &lead)
}

// HandleListLeads returns leads, optionally filtered by status
// GET /api/leads?status=qualified&limit=50
func (h *LeadHandlers) HandleListLeads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := domain.LeadStatus(r.URL.Query().Get("status"))

	leads, err := h.repo.List(r.Context(), status, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list leads")
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"leads": leads, "count": len(leads)})
}

// HandleGetLead returns one lead
// GET /api/leads/{id}
func (h *LeadHandlers) HandleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, lead)
}

// HandleTransitionLead moves a lead along the pipeline
// POST /api/leads/{id}/transition
func (h *LeadHandlers) HandleTransitionLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status domain.LeadStatus `json:"status"`
	}
	if err := web.Decode(r, &req); err != nil || req.Status == "" {
		web.BadRequest(w, "target status is required")
		return
	}

	if err := h.repo.Transition(r.Context(), id, req.Status); err != nil {
		web.Error(w, err)
		return
	}
	lead, err := h.repo.Get(r.Context(), id)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, lead)
}

// HandleAssignLead assigns an owner agent to a lead
// POST /api/leads/{id}/assign
func (h *LeadHandlers) HandleAssignLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Agent string `json:"agent"`
	}
	if err := web.Decode(r, &req); err != nil || req.Agent == "" {
		web.BadRequest(w, "agent is required")
		return
	}

	if err := h.repo.AssignOwner(r.Context(), id, req.Agent); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"id": id, "owner_agent": req.Agent})
}

// HandleEraseLead anonymizes a lead's personal data. Interactions survive
// with their sentiment references nulled.
// DELETE /api/leads/{id}
func (h *LeadHandlers) HandleEraseLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.Erase(r.Context(), id); err != nil {
		web.Error(w, err)
		return
	}
	h.log.Info().Str("lead_id", id).Msg("Lead erased")
	web.JSON(w, http.StatusOK, map[string]string{"id": id, "status": "erased"})
}

// HandleListInteractions returns a lead's interaction history
// GET /api/leads/{id}/interactions
func (h *LeadHandlers) HandleListInteractions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	interactions, err := h.repo.Interactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"interactions": interactions, "count": len(interactions)})
}

// HandleAddInteraction appends an interaction to a lead
// POST /api/leads/{id}/interactions
func (h *LeadHandlers) HandleAddInteraction(w http.ResponseWriter, r *http.Request) {
	var interaction domain.Interaction
	if err := web.Decode(r, &interaction); err != nil {
		web.BadRequest(w, "invalid interaction payload")
		return
	}
	interaction.LeadID = chi.URLParam(r, "id")
	if interaction.Channel == "" || interaction.AgentID == "" {
		web.BadRequest(w, "channel and agent_id are required")
		return
	}

	if err := h.repo.AddInteraction(r.Context(), &interaction); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, &interaction)
}
