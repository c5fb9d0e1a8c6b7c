package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/web"
)

// handleDashboardStats aggregates the operational picture for the command
// center landing view.
// GET /api/dashboard/stats
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	metrics, err := s.container.Revenue.Compute(ctx)
	if err != nil {
		web.Error(w, err)
		return
	}
	state, err := s.container.Levels.GetState(ctx)
	if err != nil {
		web.Error(w, err)
		return
	}

	active, err := s.container.ShipmentRepo.List(ctx, domain.ShipmentInTransit, 1000)
	if err != nil {
		web.Error(w, err)
		return
	}
	disputed, err := s.container.ShipmentRepo.List(ctx, domain.ShipmentDisputed, 1000)
	if err != nil {
		web.Error(w, err)
		return
	}

	stopped, stopReason := s.container.AgentControl.Stopped()

	web.JSON(w, http.StatusOK, map[string]interface{}{
		"revenue":           metrics,
		"level":             state,
		"shipments_transit": len(active),
		"shipments_dispute": len(disputed),
		"agents":            s.container.AgentRegistry.Snapshot(),
		"emergency_stopped": stopped,
		"stop_reason":       stopReason,
		"vetoed_agents":     s.container.AgentControl.Vetoes(),
		"stream_clients":    s.container.Hub.ClientCount(),
		"host":              hostStats(s.dataDir),
	})
}

// hostStats samples process-host metrics. Failures degrade to nulls rather
// than failing the dashboard.
func hostStats(dataDir string) map[string]interface{} {
	out := map[string]interface{}{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_total_mb"] = vm.Total / (1 << 20)
	}
	if du, err := disk.Usage(dataDir); err == nil {
		out["disk_percent"] = du.UsedPercent
		out["disk_free_gb"] = du.Free / (1 << 30)
	}
	return out
}

// handleAgentStatuses lists every registered agent
// GET /api/agents
func (s *Server) handleAgentStatuses(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.container.AgentRegistry.Snapshot(),
	})
}

// handleAgentStatus returns one agent
// GET /api/agents/{id}
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.container.AgentRegistry.Get(chi.URLParam(r, "id"))
	if !ok {
		web.Error(w, domain.ErrNotFound)
		return
	}
	web.JSON(w, http.StatusOK, status)
}

// handleAgentActivity returns an agent's recent activity feed
// GET /api/agents/{id}/activity?limit=50
func (s *Server) handleAgentActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.container.ActivityLog.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"activity": entries, "count": len(entries)})
}

// handleActivateAgent hands a unit of work to a pipeline agent. The work
// itself runs out of process; the registry records the hand-off.
// POST /api/agents/{id}/activate
func (s *Server) handleActivateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.container.AgentRegistry.Get(id); !ok {
		web.Error(w, domain.ErrNotFound)
		return
	}
	if err := s.container.AgentControl.GuardAgent(id); err != nil {
		web.Error(w, err)
		return
	}

	var payload map[string]interface{}
	_ = web.Decode(r, &payload)

	task, _ := payload["task"].(string)
	s.container.AgentRegistry.SetState(id, domain.AgentProcessing, task)
	if err := s.container.ActivityLog.Add(r.Context(), id, "activation", "info",
		"Activated by "+actorFrom(r), payload); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusAccepted, map[string]string{"agent_id": id, "status": "activated"})
}

// handleBreakers lists circuit breaker snapshots
// GET /api/system/breakers
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.container.Breakers.Snapshots(),
	})
}

// handleResetBreaker force-closes one breaker
// POST /api/system/breakers/{name}/reset
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	breaker := s.container.Breakers.Get(name)
	if breaker == nil {
		web.Error(w, domain.ErrNotFound)
		return
	}
	breaker.Reset()
	s.log.Warn().Str("breaker", name).Str("actor", actorFrom(r)).Msg("Breaker manually reset")
	web.JSON(w, http.StatusOK, breaker.Snapshot())
}

// handleQuota returns remote dependency quota usage
// GET /api/system/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, s.container.QuotaLedger.GetQuota(r.Context(), "prosody"))
}

// handleAuditLog lists audit entries, optionally filtered by decision type
// GET /api/system/audit?type=dispute&limit=100
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.container.AuditLog.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// handleListBackups lists stored backup archives
// GET /api/system/backups
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.container.Backups == nil {
		web.JSON(w, http.StatusOK, map[string]interface{}{"configured": false})
		return
	}
	backups, err := s.container.Backups.ListBackups(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"configured": true,
		"backups":    backups,
	})
}

// handleRunBackup runs a backup immediately
// POST /api/system/backups/run
func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if s.container.Backups == nil {
		web.BadRequest(w, "backup storage is not configured")
		return
	}
	if err := s.container.Backups.Run(r.Context()); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleRevenueMetrics returns the current MRR snapshot
// GET /api/revenue/metrics
func (s *Server) handleRevenueMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.container.Revenue.Compute(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, metrics)
}

// handleRecordPayment records an incoming payment
// POST /api/revenue/payments
func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string  `json:"id"`
		ShipmentID string  `json:"shipment_id"`
		Amount     float64 `json:"amount"`
		Status     string  `json:"status"`
	}
	if err := web.Decode(r, &req); err != nil || req.ID == "" || req.Amount <= 0 {
		web.BadRequest(w, "id and a positive amount are required")
		return
	}
	if req.Status == "" {
		req.Status = "pending"
	}

	if err := s.container.Revenue.RecordPayment(r.Context(), req.ID, req.ShipmentID, req.Amount, req.Status); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, map[string]interface{}{"id": req.ID, "status": req.Status})
}

// handleCompletePayment marks a pending payment completed, feeding the MRR
// POST /api/revenue/payments/{id}/complete
func (s *Server) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.container.Revenue.CompletePayment(r.Context(), id); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"id": id, "status": "completed"})
}

// handleLevels returns the economic level ladder
// GET /api/provisioning/levels
func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.container.Levels.All(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"levels": levels})
}

// handleLevelState returns the current level state and component states
// GET /api/provisioning/state
func (s *Server) handleLevelState(w http.ResponseWriter, r *http.Request) {
	state, err := s.container.Levels.GetState(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	components, err := s.container.Levels.ComponentStates(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"state":      state,
		"components": components,
	})
}

// handleGetSettings returns all runtime settings
// GET /api/system/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.container.Settings.All(r.Context())
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"settings": all})
}

// handleSetSetting upserts one runtime setting
// PUT /api/system/settings/{key}
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.BadRequest(w, "value is required")
		return
	}

	key := chi.URLParam(r, "key")
	if err := s.container.Settings.Set(r.Context(), key, req.Value); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// handleHealth is the unauthenticated liveness probe
// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
