package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

// Control is the emergency stop plus per-agent vetoes. Stop cancels the
// shared agent context so in-flight work unwinds immediately and Guard
// refuses new autonomous operations until Resume. A veto pauses one agent
// without touching the others.
type Control struct {
	mu        sync.RWMutex
	stopped   bool
	reason    string
	stoppedAt time.Time
	vetoed    map[string]string // agent id -> actor who vetoed
	ctx       context.Context
	cancel    context.CancelFunc
	events    *events.Manager
	log       zerolog.Logger
}

// NewControl creates the agent control in the running state
func NewControl(eventManager *events.Manager, log zerolog.Logger) *Control {
	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		vetoed: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
		events: eventManager,
		log:    log.With().Str("component", "agent_control").Logger(),
	}
}

// Context returns the shared cancellation context agents derive their work
// contexts from.
func (c *Control) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// Guard returns ErrEmergencyStopped while the stop is active
func (c *Control) Guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return domain.ErrEmergencyStopped
	}
	return nil
}

// GuardAgent refuses work for one agent while the global stop or a veto on
// that agent is active.
func (c *Control) GuardAgent(agentID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return domain.ErrEmergencyStopped
	}
	if actor, ok := c.vetoed[agentID]; ok {
		return fmt.Errorf("%w: agent %s vetoed by %s", domain.ErrEmergencyStopped, agentID, actor)
	}
	return nil
}

// Veto pauses one agent. Idempotent; the last actor wins.
func (c *Control) Veto(agentID, actor string) {
	c.mu.Lock()
	c.vetoed[agentID] = actor
	c.mu.Unlock()

	c.log.Warn().Str("agent", agentID).Str("actor", actor).Msg("Agent vetoed")
	c.events.Emit(events.SystemAlert, "agent_control", map[string]interface{}{
		"alert": "agent_vetoed",
		"agent": agentID,
		"actor": actor,
	})
}

// LiftVeto re-enables a vetoed agent
func (c *Control) LiftVeto(agentID, actor string) {
	c.mu.Lock()
	_, was := c.vetoed[agentID]
	delete(c.vetoed, agentID)
	c.mu.Unlock()
	if !was {
		return
	}

	c.log.Info().Str("agent", agentID).Str("actor", actor).Msg("Agent veto lifted")
	c.events.Emit(events.SystemAlert, "agent_control", map[string]interface{}{
		"alert": "agent_veto_lifted",
		"agent": agentID,
		"actor": actor,
	})
}

// Vetoes returns the currently vetoed agents
func (c *Control) Vetoes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.vetoed))
	for id, actor := range c.vetoed {
		out[id] = actor
	}
	return out
}

// Stopped reports the current stop state and its reason
func (c *Control) Stopped() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped, c.reason
}

// Stop halts all autonomous operation. Idempotent.
func (c *Control) Stop(reason, actor string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reason = reason
	c.stoppedAt = time.Now().UTC()
	c.cancel()
	c.mu.Unlock()

	c.log.Warn().Str("reason", reason).Str("actor", actor).Msg("EMERGENCY STOP engaged")
	c.events.Emit(events.SystemAlert, "agent_control", map[string]interface{}{
		"alert":  "emergency_stop",
		"reason": reason,
		"actor":  actor,
	})
}

// Resume re-arms the agents with a fresh context
func (c *Control) Resume(actor string) {
	c.mu.Lock()
	if !c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	c.reason = ""
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.log.Info().Str("actor", actor).Msg("Emergency stop released")
	c.events.Emit(events.SystemAlert, "agent_control", map[string]interface{}{
		"alert": "emergency_stop_released",
		"actor": actor,
	})
}
