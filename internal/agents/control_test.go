package agents

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

func newTestControl() *Control {
	manager := events.NewManager(events.NewBus(), zerolog.Nop())
	return NewControl(manager, zerolog.Nop())
}

func TestGuardAgentRunsByDefault(t *testing.T) {
	c := newTestControl()
	assert.NoError(t, c.Guard())
	assert.NoError(t, c.GuardAgent(AgentPaolo))
}

func TestVetoPausesOnlyThatAgent(t *testing.T) {
	c := newTestControl()
	c.Veto(AgentPaolo, "admin")

	err := c.GuardAgent(AgentPaolo)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmergencyStopped)
	assert.Contains(t, err.Error(), "admin")

	assert.NoError(t, c.GuardAgent(AgentGiulia))
	assert.NoError(t, c.Guard())
}

func TestLiftVetoReenablesAgent(t *testing.T) {
	c := newTestControl()
	c.Veto(AgentGiulia, "admin")
	require.Error(t, c.GuardAgent(AgentGiulia))

	c.LiftVeto(AgentGiulia, "admin")
	assert.NoError(t, c.GuardAgent(AgentGiulia))
	assert.Empty(t, c.Vetoes())
}

func TestStopOverridesEveryAgent(t *testing.T) {
	c := newTestControl()
	ctx := c.Context()

	c.Stop("test stop", "admin")
	assert.ErrorIs(t, c.GuardAgent(AgentPaolo), domain.ErrEmergencyStopped)
	assert.ErrorIs(t, c.GuardAgent(AgentGiulia), domain.ErrEmergencyStopped)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("shared context should be cancelled by stop")
	}

	c.Resume("admin")
	assert.NoError(t, c.GuardAgent(AgentPaolo))
	select {
	case <-c.Context().Done():
		t.Fatal("resume should install a fresh context")
	default:
	}
}

func TestVetoesReturnsCopy(t *testing.T) {
	c := newTestControl()
	c.Veto(AgentPaolo, "admin")

	snapshot := c.Vetoes()
	delete(snapshot, AgentPaolo)
	assert.Error(t, c.GuardAgent(AgentPaolo))
}
