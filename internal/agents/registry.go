// Package agents hosts the named autonomous agents and their shared
// infrastructure: the registry, the activity log, the emergency stop.
package agents

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

// Well-known agent ids
const (
	AgentPaolo  = "paolo"  // carrier failover
	AgentGiulia = "giulia" // dispute resolution
	AgentSwarm  = "swarm"  // cross-agent pattern watch
)

// Roster is the full named agent set with display names. Paolo and Giulia
// run autonomous loops in this process; the pipeline agents are driven
// through activate calls and report through the same registry.
var Roster = []struct {
	ID   string
	Name string
}{
	{"acquisition", "Acquisition"},
	{"qualification", "Qualification"},
	{"sourcing", "Sourcing"},
	{"closing", "Closing"},
	{"operations", "Operations"},
	{AgentPaolo, "Paolo (Failover)"},
	{AgentGiulia, "Giulia (Disputes)"},
	{"retention", "Retention"},
}

// Registry tracks the live status of every named agent
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.AgentStatus
	events *events.Manager
	log    zerolog.Logger
}

// NewRegistry creates the agent registry
func NewRegistry(eventManager *events.Manager, log zerolog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*domain.AgentStatus),
		events: eventManager,
		log:    log.With().Str("component", "agent_registry").Logger(),
	}
}

// Register adds an agent in standby
func (r *Registry) Register(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = &domain.AgentStatus{
		ID:             id,
		Name:           name,
		State:          domain.AgentStandby,
		LastActivityAt: time.Now().UTC(),
	}
}

// SetState updates an agent's state and current task, broadcasting the
// change on the bus.
func (r *Registry) SetState(id string, state domain.AgentState, task string) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.State = state
	agent.CurrentTask = task
	agent.LastActivityAt = time.Now().UTC()
	r.mu.Unlock()

	r.events.Emit(events.AgentActivity, "agent_registry", map[string]interface{}{
		"agent_id": id,
		"state":    string(state),
		"task":     task,
	})
}

// Heartbeat records ongoing work without a state change
func (r *Registry) Heartbeat(id string, activityLevel int, suggestion string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if activityLevel < 0 {
		activityLevel = 0
	}
	if activityLevel > 100 {
		activityLevel = 100
	}
	agent.ActivityLevel = activityLevel
	agent.Suggestion = suggestion
	agent.LastActivityAt = time.Now().UTC()
}

// Get returns a copy of one agent's status
func (r *Registry) Get(id string) (domain.AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return domain.AgentStatus{}, false
	}
	return *agent, true
}

// Snapshot returns a copy of every agent's status
func (r *Registry) Snapshot() []domain.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentStatus, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	return out
}
