package server

import (
	"net/http"

	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/settings"
	"github.com/dvitali/carovana/internal/web"
)

// handleChangeCarrier manually fails a shipment over to a new carrier
// POST /api/command/change_carrier
func (s *Server) handleChangeCarrier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShipmentID string `json:"shipment_id"`
		Reason     string `json:"reason"`
	}
	if err := web.Decode(r, &req); err != nil || req.ShipmentID == "" {
		web.BadRequest(w, "shipment_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual carrier change"
	}

	actor := actorFrom(r)
	if err := s.container.Failover.Failover(r.Context(), req.ShipmentID, req.Reason, actor); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{
		"shipment_id": req.ShipmentID,
		"status":      "carrier_changed",
	})
}

// handleEmergencyStop halts all autonomous agents
// POST /api/command/emergency_stop
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = web.Decode(r, &req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	actor := actorFrom(r)
	s.container.AgentControl.Stop(req.Reason, actor)
	s.recordCommand(r, "emergency_stop", map[string]interface{}{"reason": req.Reason})
	web.JSON(w, http.StatusOK, map[string]string{"status": "stopped", "reason": req.Reason})
}

// handleResume re-arms the agents after an emergency stop
// POST /api/command/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	s.container.AgentControl.Resume(actor)
	s.recordCommand(r, "resume", nil)
	web.JSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// handleVetoAgent pauses one agent without stopping the rest
// POST /api/command/veto_agent
func (s *Server) handleVetoAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Lift    bool   `json:"lift"`
	}
	if err := web.Decode(r, &req); err != nil || req.AgentID == "" {
		web.BadRequest(w, "agent_id is required")
		return
	}

	actor := actorFrom(r)
	if req.Lift {
		s.container.AgentControl.LiftVeto(req.AgentID, actor)
	} else {
		s.container.AgentControl.Veto(req.AgentID, actor)
	}
	s.recordCommand(r, "veto_agent", map[string]interface{}{"agent_id": req.AgentID, "lift": req.Lift})
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": req.AgentID,
		"vetoed":   !req.Lift,
	})
}

// handleForceLevel overrides the economic level, skipping debounce and the
// safety ceiling.
// POST /api/command/force_level
func (s *Server) handleForceLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level *int `json:"level"`
	}
	if err := web.Decode(r, &req); err != nil || req.Level == nil {
		web.BadRequest(w, "level is required")
		return
	}

	if err := s.container.Orchestrator.ForceLevel(r.Context(), *req.Level, actorFrom(r)); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"level": *req.Level, "status": "forced"})
}

// handleTogglePromotionMode flips the promotion-mode flag read by outbound
// messaging.
// POST /api/command/toggle_promotion_mode
func (s *Server) handleTogglePromotionMode(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.container.Settings.Toggle(r.Context(), settings.KeyPromotionMode, true)
	if err != nil {
		web.Error(w, err)
		return
	}
	s.recordCommand(r, "toggle_promotion_mode", map[string]interface{}{"enabled": enabled})
	web.JSON(w, http.StatusOK, map[string]interface{}{"promotion_mode": enabled})
}

// recordCommand writes a human-override audit entry for a command that has
// no deeper decision trail of its own.
func (s *Server) recordCommand(r *http.Request, command string, payload map[string]interface{}) {
	if err := s.container.AuditLog.Record(r.Context(), audit.Decision{
		Type:          "command",
		Actor:         actorFrom(r),
		Input:         map[string]interface{}{"command": command, "payload": payload},
		Output:        map[string]string{"result": "accepted"},
		Rationale:     "operator command " + command,
		HumanOverride: true,
	}); err != nil {
		s.log.Error().Err(err).Str("command", command).Msg("Failed to audit command")
	}
}
