package provisioning

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

type stubAuditor struct {
	decisions []audit.Decision
}

func (s *stubAuditor) Record(ctx context.Context, d audit.Decision) error {
	s.decisions = append(s.decisions, d)
	return nil
}

func newConfigDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "config.db"),
		Profile: database.ProfileStandard,
		Name:    "config",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.Conn()
}

type fixture struct {
	orch    *Orchestrator
	store   *Store
	auditor *stubAuditor
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus()
	manager := events.NewManager(bus, zerolog.Nop())
	store := NewStore(newConfigDB(t))
	auditor := &stubAuditor{}
	cfg := config.LevelConfig{
		DebounceMonths: [5]int{0, 1, 2, 2, 3},
		SafetyRatioMax: 0.90,
	}
	return &fixture{
		orch:    NewOrchestrator(cfg, store, auditor, manager, zerolog.Nop()),
		store:   store,
		auditor: auditor,
		bus:     bus,
	}
}

// setLevel forces the ladder to a level and marks its components hot
func (f *fixture) setLevel(t *testing.T, level int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Transition(ctx, level))
	l, err := f.store.Get(ctx, level)
	require.NoError(t, err)
	for _, component := range l.ActiveComponents {
		require.NoError(t, f.orch.activate(ctx, component))
	}
}

func TestQualifyingLevelFollowsSeededThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[float64]int{0: 0, 299: 0, 300: 1, 350: 1, 801: 2, 5000: 3, 20000: 4}
	for mrr, want := range cases {
		got, err := f.store.QualifyingLevel(ctx, mrr)
		require.NoError(t, err)
		assert.Equal(t, want, got, "mrr %.0f", mrr)
	}
}

func TestUpgradeWaitsForDebounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 1)

	var changed []*events.Event
	f.bus.Subscribe(events.LevelChanged, func(e *events.Event) { changed = append(changed, e) })

	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return current }

	// L2 needs two consecutive qualifying months.
	require.NoError(t, f.orch.Evaluate(ctx, 1500))
	state, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentLevel)
	assert.Equal(t, 1, state.ConsecutiveMonthsOver)
	assert.Empty(t, changed)

	current = current.AddDate(0, 1, 0)
	require.NoError(t, f.orch.Evaluate(ctx, 1500))
	state, err = f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentLevel)
	assert.Equal(t, 0, state.ConsecutiveMonthsOver)

	visionState, err := f.store.ComponentState(ctx, "vision")
	require.NoError(t, err)
	assert.Equal(t, ComponentHot, visionState)

	// Entering L2 pre-warms what L3 would add
	warehouseState, err := f.store.ComponentState(ctx, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, ComponentWarm, warehouseState)

	require.Len(t, changed, 1)
	assert.Equal(t, "upgrade", changed[0].Payload["direction"])
	require.Len(t, f.auditor.decisions, 1)
	assert.Equal(t, "provisioning", f.auditor.decisions[0].Type)
}

func TestDebounceCountsCalendarMonthsNotTicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 1)

	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return current }

	// The revenue tick fires hourly; repeats inside one calendar month must
	// not eat through a two-month debounce.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.orch.Evaluate(ctx, 1500))
	}
	state, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentLevel)
	assert.Equal(t, 1, state.ConsecutiveMonthsOver)
	assert.Equal(t, "2026-03", state.LastOverMonth)

	// The second qualifying month satisfies the debounce
	current = current.AddDate(0, 1, 0)
	require.NoError(t, f.orch.Evaluate(ctx, 1500))
	state, err = f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentLevel)
}

func TestUpgradeRejectedWhenBurnBreaksSafetyCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 1)

	var critical []*events.Event
	f.bus.Subscribe(events.CostAlertCritical, func(e *events.Event) { critical = append(critical, e) })

	// MRR 900 qualifies for L2, but L2 burns 1180 > 0.90 * 900.
	err := f.orch.Evaluate(ctx, 900)
	assert.ErrorIs(t, err, domain.ErrSafetyViolation)

	state, stateErr := f.store.GetState(ctx)
	require.NoError(t, stateErr)
	assert.Equal(t, 1, state.CurrentLevel, "rejected upgrade leaves the level untouched")
	assert.Equal(t, 0, state.ConsecutiveMonthsOver, "rejected upgrade does not advance the debounce")

	require.Len(t, critical, 1)
	assert.Equal(t, "upgrade_rejected", critical[0].Payload["reason"])
	assert.Empty(t, f.auditor.decisions)
}

func TestDowngradeIsImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 2)

	var changed []*events.Event
	f.bus.Subscribe(events.LevelChanged, func(e *events.Event) { changed = append(changed, e) })

	require.NoError(t, f.orch.Evaluate(ctx, 100))

	state, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentLevel)

	cs, err := f.store.ComponentState(ctx, "vision")
	require.NoError(t, err)
	assert.Equal(t, ComponentCold, cs)
	cs, err = f.store.ComponentState(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, ComponentHot, cs, "still funded at L0")

	// Entering L0 pre-warms L1's component, so a recovery is cheap
	cs, err = f.store.ComponentState(ctx, "voice")
	require.NoError(t, err)
	assert.Equal(t, ComponentWarm, cs)

	require.Len(t, changed, 1)
	assert.Equal(t, "downgrade", changed[0].Payload["direction"])
}

func TestDeactivationStepsDownThroughWarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.activate(ctx, "warehouse"))

	// The lifecycle graph only allows deactivating -> warm -> cold, so a
	// completed walk proves the component passed back through warm.
	require.NoError(t, f.orch.deactivate(ctx, "warehouse"))
	cs, err := f.store.ComponentState(ctx, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, ComponentCold, cs)

	err = f.store.SetComponentState(ctx, "fleet", ComponentWarming)
	require.NoError(t, err)
	err = f.store.SetComponentState(ctx, "fleet", ComponentWarm)
	require.NoError(t, err)
	err = f.store.SetComponentState(ctx, "fleet", ComponentActivating)
	require.NoError(t, err)
	err = f.store.SetComponentState(ctx, "fleet", ComponentHot)
	require.NoError(t, err)
	assert.ErrorIs(t, f.store.SetComponentState(ctx, "fleet", ComponentCold), domain.ErrInvariantViolation,
		"a hot component cannot drop straight to cold")
	require.NoError(t, f.store.SetComponentState(ctx, "fleet", ComponentDeactivating))
	assert.ErrorIs(t, f.store.SetComponentState(ctx, "fleet", ComponentCold), domain.ErrInvariantViolation,
		"deactivating must pass through warm")
}

func TestBurnWarningNearTheCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 2)

	var warnings []*events.Event
	f.bus.Subscribe(events.CostAlertWarning, func(e *events.Event) { warnings = append(warnings, e) })

	// L2 burns 1180; at MRR 1400 that is 84% of revenue.
	require.NoError(t, f.orch.Evaluate(ctx, 1400))
	require.Len(t, warnings, 1)
	assert.InDelta(t, 1180.0/1400.0, warnings[0].Payload["burn_ratio"].(float64), 0.001)

	state, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentLevel)
}

func TestComponentLifecycleRefusesJumps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.SetComponentState(ctx, "warehouse", ComponentHot)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	require.NoError(t, f.store.SetComponentState(ctx, "warehouse", ComponentWarming))
	require.NoError(t, f.store.SetComponentState(ctx, "warehouse", ComponentWarm))
	require.NoError(t, f.store.SetComponentState(ctx, "warehouse", ComponentActivating))
	require.NoError(t, f.store.SetComponentState(ctx, "warehouse", ComponentHot))

	err = f.store.SetComponentState(ctx, "warehouse", ComponentWarm)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestForceLevelSkipsDebounceAndSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLevel(t, 0)

	// L2 would normally need two debounce months and a safe burn ratio.
	require.NoError(t, f.orch.ForceLevel(ctx, 2, "admin:dvitali"))

	state, err := f.store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentLevel)

	cs, err := f.store.ComponentState(ctx, "vision")
	require.NoError(t, err)
	assert.Equal(t, ComponentHot, cs)

	cs, err = f.store.ComponentState(ctx, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, ComponentWarm, cs, "the next rung is pre-warmed on entry")

	require.Len(t, f.auditor.decisions, 1)
	assert.True(t, f.auditor.decisions[0].HumanOverride)
}

func TestRevenueTriggerDrivesEvaluation(t *testing.T) {
	f := newFixture(t)
	manager := events.NewManager(f.bus, zerolog.Nop())
	f.orch.Start(f.bus)

	var changed []*events.Event
	f.bus.Subscribe(events.LevelChanged, func(e *events.Event) { changed = append(changed, e) })

	// L1 debounces a single month, so one trigger is enough.
	manager.Emit(events.RevenueTrigger, "revenue_monitor", map[string]interface{}{
		"mrr": 350.0, "current_level": 0, "qualifying_level": 1, "direction": "upgrade",
	})

	require.Len(t, changed, 1)
	state, err := f.store.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentLevel)
}
