package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dvitali/carovana/internal/web"
)

// handleAnalyzeSentiment runs a transcript through the sentiment cascade
// POST /api/sentiment/analyze
func (s *Server) handleAnalyzeSentiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID     string `json:"lead_id"`
		CallID     string `json:"call_id"`
		Transcript string `json:"transcript"`
	}
	if err := web.Decode(r, &req); err != nil || req.Transcript == "" {
		web.BadRequest(w, "transcript is required")
		return
	}

	record, err := s.container.Cascade.Analyze(r.Context(), req.LeadID, req.CallID, req.Transcript)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, record)
}

// handleLeadSentiments returns a lead's sentiment history
// GET /api/sentiment/lead/{id}
func (s *Server) handleLeadSentiments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.container.SentimentRepo.ListByLead(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

// handleGetProfile returns a lead's psychological profile
// GET /api/profiles/{leadID}
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.container.Profiles.Get(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, profile)
}

// handleAssignProfile classifies a lead from its sentiment history
// POST /api/profiles/{leadID}/assign
func (s *Server) handleAssignProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.container.Profiles.Assign(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, profile)
}

// handleSimilarProfiles returns the nearest converted leads by embedding
// GET /api/profiles/{leadID}/similar?k=5
func (s *Server) handleSimilarProfiles(w http.ResponseWriter, r *http.Request) {
	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			k = parsed
		}
	}

	neighbours, err := s.container.Profiles.Similar(r.Context(), chi.URLParam(r, "leadID"), k)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"neighbours": neighbours, "count": len(neighbours)})
}

// handleSelectStrategy picks the best persuasion strategy for a lead and
// pipeline stage.
// POST /api/persuasion/select
func (s *Server) handleSelectStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID string `json:"lead_id"`
		Stage  string `json:"stage"`
	}
	if err := web.Decode(r, &req); err != nil || req.LeadID == "" || req.Stage == "" {
		web.BadRequest(w, "lead_id and stage are required")
		return
	}

	strategy, err := s.container.Persuasion.SelectStrategy(r.Context(), req.LeadID, req.Stage)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, strategy)
}

// handleObjection classifies an objection and returns the counter for the
// current strategy.
// POST /api/persuasion/objection
func (s *Server) handleObjection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID string `json:"lead_id"`
		Stage  string `json:"stage"`
		Text   string `json:"text"`
	}
	if err := web.Decode(r, &req); err != nil || req.Text == "" {
		web.BadRequest(w, "text is required")
		return
	}

	strategy, err := s.container.Persuasion.SelectStrategy(r.Context(), req.LeadID, req.Stage)
	if err != nil {
		web.Error(w, err)
		return
	}
	class, counter := s.container.Persuasion.HandleObjection(strategy, req.Text)
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"class":    class,
		"counter":  counter,
		"strategy": strategy,
	})
}

// handleRecordOutcome feeds a win/loss back into strategy success rates
// POST /api/persuasion/outcome
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StrategyID int64 `json:"strategy_id"`
		Won        bool  `json:"won"`
	}
	if err := web.Decode(r, &req); err != nil || req.StrategyID == 0 {
		web.BadRequest(w, "strategy_id is required")
		return
	}

	if err := s.container.Persuasion.RecordOutcome(r.Context(), req.StrategyID, req.Won); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"strategy_id": req.StrategyID, "won": req.Won})
}

// handleScheduleNurturing starts the profile-paced nurturing sequence
// POST /api/persuasion/nurture
func (s *Server) handleScheduleNurturing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID string `json:"lead_id"`
	}
	if err := web.Decode(r, &req); err != nil || req.LeadID == "" {
		web.BadRequest(w, "lead_id is required")
		return
	}

	if err := s.container.Persuasion.ScheduleNurturing(r.Context(), req.LeadID); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"lead_id": req.LeadID, "status": "scheduled"})
}
