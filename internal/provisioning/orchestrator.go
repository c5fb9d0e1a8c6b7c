package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
)

// burnWarningRatio is where the burn alarm starts, below the hard ceiling
const burnWarningRatio = 0.80

// Auditor records provisioning decisions
type Auditor interface {
	Record(ctx context.Context, d audit.Decision) error
}

// Orchestrator applies revenue triggers to the level ladder: upgrades are
// debounced and safety-checked, downgrades are immediate, components are
// walked through their lifecycle around each transition.
type Orchestrator struct {
	cfg     config.LevelConfig
	levels  *Store
	auditor Auditor
	events  *events.Manager
	log     zerolog.Logger
	now     func() time.Time
}

// NewOrchestrator creates the provisioning orchestrator
func NewOrchestrator(
	cfg config.LevelConfig,
	levels *Store,
	auditor Auditor,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		levels:  levels,
		auditor: auditor,
		events:  eventManager,
		log:     log.With().Str("component", "provisioning").Logger(),
		now:     time.Now,
	}
}

// Start subscribes the orchestrator to revenue triggers
func (o *Orchestrator) Start(bus *events.Bus) {
	bus.Subscribe(events.RevenueTrigger, func(e *events.Event) {
		mrr, _ := e.Payload["mrr"].(float64)
		if err := o.Evaluate(context.Background(), mrr); err != nil {
			o.log.Error().Err(err).Float64("mrr", mrr).Msg("Level evaluation failed")
		}
	})
}

// Evaluate reconciles the current level against what the MRR qualifies for.
// Upgrades go one level at a time, only after the target's debounce has been
// satisfied and its burn fits under the safety ceiling. Downgrades apply
// immediately.
func (o *Orchestrator) Evaluate(ctx context.Context, mrr float64) error {
	state, err := o.levels.GetState(ctx)
	if err != nil {
		return err
	}
	qualifying, err := o.levels.QualifyingLevel(ctx, mrr)
	if err != nil {
		return err
	}

	o.checkBurn(ctx, state.CurrentLevel, mrr)

	switch {
	case qualifying > state.CurrentLevel:
		return o.evaluateUpgrade(ctx, state, mrr)
	case qualifying < state.CurrentLevel:
		return o.downgrade(ctx, state.CurrentLevel, qualifying, mrr)
	default:
		if state.ConsecutiveMonthsOver != 0 {
			return o.levels.SetConsecutive(ctx, 0, "")
		}
		return nil
	}
}

// evaluateUpgrade advances the debounce counter toward the next level and
// transitions when it is satisfied. The safety check runs before any state
// is touched: a rejected upgrade leaves the ladder exactly as it was.
func (o *Orchestrator) evaluateUpgrade(ctx context.Context, state *State, mrr float64) error {
	target, err := o.levels.Get(ctx, state.CurrentLevel+1)
	if err != nil {
		return err
	}

	if target.MaxBurn > o.cfg.SafetyRatioMax*mrr {
		o.events.Emit(events.CostAlertCritical, "provisioning", map[string]interface{}{
			"reason":       "upgrade_rejected",
			"target_level": target.ID,
			"max_burn":     target.MaxBurn,
			"mrr":          mrr,
			"safety_ratio": o.cfg.SafetyRatioMax,
		})
		o.log.Warn().
			Int("target_level", target.ID).
			Float64("max_burn", target.MaxBurn).
			Float64("mrr", mrr).
			Msg("Upgrade rejected by burn safety check")
		return fmt.Errorf("%w: level %d burn %.0f exceeds %.0f%% of MRR %.0f",
			domain.ErrSafetyViolation, target.ID, target.MaxBurn, o.cfg.SafetyRatioMax*100, mrr)
	}

	debounce := target.DebounceMonths
	if target.ID < len(o.cfg.DebounceMonths) && o.cfg.DebounceMonths[target.ID] > 0 {
		debounce = o.cfg.DebounceMonths[target.ID]
	}

	// The counter moves once per calendar month, however often the revenue
	// tick fires within it.
	monthKey := o.now().UTC().Format("2006-01")
	months := state.ConsecutiveMonthsOver
	if state.LastOverMonth != monthKey {
		months++
	}
	if months < debounce {
		if months != state.ConsecutiveMonthsOver {
			if err := o.levels.SetConsecutive(ctx, months, monthKey); err != nil {
				return err
			}
		}
		o.log.Info().
			Int("target_level", target.ID).
			Int("months_over", months).
			Int("debounce", debounce).
			Msg("Upgrade debouncing")
		return nil
	}

	return o.upgrade(ctx, state.CurrentLevel, target, mrr)
}

// upgrade activates the target level's new components and commits the
// transition.
func (o *Orchestrator) upgrade(ctx context.Context, from int, target *Level, mrr float64) error {
	for _, component := range o.newComponents(ctx, from, target) {
		if err := o.activate(ctx, component); err != nil {
			return err
		}
	}
	for _, component := range target.DisabledComponents {
		if err := o.deactivate(ctx, component); err != nil {
			return err
		}
	}
	if err := o.levels.Transition(ctx, target.ID); err != nil {
		return err
	}
	if err := o.prewarmNext(ctx, target.ID); err != nil {
		return err
	}

	o.events.Emit(events.LevelChanged, "provisioning", map[string]interface{}{
		"from_level": from,
		"to_level":   target.ID,
		"direction":  "upgrade",
		"mrr":        mrr,
	})
	if err := o.auditor.Record(ctx, audit.Decision{
		Type:  "provisioning",
		Actor: "provisioning",
		Input: map[string]interface{}{"mrr": mrr, "from_level": from},
		Output: map[string]interface{}{
			"to_level":          target.ID,
			"active_components": target.ActiveComponents,
		},
		Rationale: fmt.Sprintf("MRR %.0f sustained above %.0f through debounce, burn %.0f within safety ceiling",
			mrr, target.MRRThreshold, target.MaxBurn),
	}); err != nil {
		o.log.Error().Err(err).Msg("Failed to audit level upgrade")
	}
	o.log.Info().Int("from_level", from).Int("to_level", target.ID).Msg("Level upgraded")
	return nil
}

// downgrade drops to the qualifying level immediately, deactivating the
// components the new level no longer funds.
func (o *Orchestrator) downgrade(ctx context.Context, from, to int, mrr float64) error {
	target, err := o.levels.Get(ctx, to)
	if err != nil {
		return err
	}
	current, err := o.levels.Get(ctx, from)
	if err != nil {
		return err
	}

	funded := map[string]bool{}
	for _, c := range target.ActiveComponents {
		funded[c] = true
	}
	for _, component := range current.ActiveComponents {
		if !funded[component] {
			if err := o.deactivate(ctx, component); err != nil {
				return err
			}
		}
	}
	if err := o.levels.Transition(ctx, to); err != nil {
		return err
	}
	if err := o.prewarmNext(ctx, to); err != nil {
		return err
	}

	o.events.Emit(events.LevelChanged, "provisioning", map[string]interface{}{
		"from_level": from,
		"to_level":   to,
		"direction":  "downgrade",
		"mrr":        mrr,
	})
	if err := o.auditor.Record(ctx, audit.Decision{
		Type:      "provisioning",
		Actor:     "provisioning",
		Input:     map[string]interface{}{"mrr": mrr, "from_level": from},
		Output:    map[string]interface{}{"to_level": to},
		Rationale: fmt.Sprintf("MRR %.0f fell below level %d threshold, downgrading without debounce", mrr, from),
	}); err != nil {
		o.log.Error().Err(err).Msg("Failed to audit level downgrade")
	}
	o.log.Warn().Int("from_level", from).Int("to_level", to).Float64("mrr", mrr).Msg("Level downgraded")
	return nil
}

// ForceLevel moves the ladder to an explicit level, skipping debounce and
// the burn safety check. This is the operator escape hatch; callers are
// expected to have cleared role and second-factor gates already.
func (o *Orchestrator) ForceLevel(ctx context.Context, level int, actor string) error {
	state, err := o.levels.GetState(ctx)
	if err != nil {
		return err
	}
	if state.CurrentLevel == level {
		return nil
	}
	target, err := o.levels.Get(ctx, level)
	if err != nil {
		return err
	}

	if level > state.CurrentLevel {
		for _, component := range o.newComponents(ctx, state.CurrentLevel, target) {
			if err := o.activate(ctx, component); err != nil {
				return err
			}
		}
	} else {
		current, err := o.levels.Get(ctx, state.CurrentLevel)
		if err != nil {
			return err
		}
		funded := map[string]bool{}
		for _, c := range target.ActiveComponents {
			funded[c] = true
		}
		for _, component := range current.ActiveComponents {
			if !funded[component] {
				if err := o.deactivate(ctx, component); err != nil {
					return err
				}
			}
		}
	}
	if err := o.levels.Transition(ctx, level); err != nil {
		return err
	}
	if err := o.prewarmNext(ctx, level); err != nil {
		return err
	}

	o.events.Emit(events.LevelChanged, "provisioning", map[string]interface{}{
		"from_level": state.CurrentLevel,
		"to_level":   level,
		"direction":  "forced",
		"actor":      actor,
	})
	if err := o.auditor.Record(ctx, audit.Decision{
		Type:          "provisioning",
		Actor:         actor,
		Input:         map[string]interface{}{"from_level": state.CurrentLevel},
		Output:        map[string]interface{}{"to_level": level},
		Rationale:     fmt.Sprintf("Level forced to %d by %s", level, actor),
		HumanOverride: true,
	}); err != nil {
		o.log.Error().Err(err).Msg("Failed to audit forced level change")
	}
	o.log.Warn().Int("to_level", level).Str("actor", actor).Msg("Level forced")
	return nil
}

// checkBurn raises cost alerts when the current level's burn crowds the MRR
func (o *Orchestrator) checkBurn(ctx context.Context, levelID int, mrr float64) {
	if mrr <= 0 || levelID == 0 {
		return
	}
	level, err := o.levels.Get(ctx, levelID)
	if err != nil {
		o.log.Error().Err(err).Int("level", levelID).Msg("Failed to load level for burn check")
		return
	}
	ratio := level.MaxBurn / mrr
	payload := map[string]interface{}{
		"level":      levelID,
		"max_burn":   level.MaxBurn,
		"mrr":        mrr,
		"burn_ratio": ratio,
	}
	switch {
	case ratio >= o.cfg.SafetyRatioMax:
		o.events.Emit(events.CostAlertCritical, "provisioning", payload)
	case ratio >= burnWarningRatio:
		o.events.Emit(events.CostAlertWarning, "provisioning", payload)
	}
}

// newComponents lists what the target level funds that the current one does not
func (o *Orchestrator) newComponents(ctx context.Context, from int, target *Level) []string {
	funded := map[string]bool{}
	if current, err := o.levels.Get(ctx, from); err == nil {
		for _, c := range current.ActiveComponents {
			funded[c] = true
		}
	}
	var added []string
	for _, c := range target.ActiveComponents {
		if !funded[c] {
			added = append(added, c)
		}
	}
	return added
}

// prewarmNext runs on entry to a level: the components the rung above would
// add are moved cold -> warm, so a later upgrade only flips them hot. The
// top of the ladder has nothing to pre-warm.
func (o *Orchestrator) prewarmNext(ctx context.Context, entered int) error {
	next, err := o.levels.Get(ctx, entered+1)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.prewarm(ctx, entered, next)
}

// prewarm walks the target level's new components to warm so the eventual
// activation is cheap.
func (o *Orchestrator) prewarm(ctx context.Context, from int, target *Level) error {
	for _, component := range o.newComponents(ctx, from, target) {
		state, err := o.levels.ComponentState(ctx, component)
		if err != nil {
			return err
		}
		if state != ComponentCold {
			continue
		}
		if err := o.levels.SetComponentState(ctx, component, ComponentWarming); err != nil {
			return err
		}
		if err := o.levels.SetComponentState(ctx, component, ComponentWarm); err != nil {
			return err
		}
		o.log.Info().Str("component_name", component).Msg("Component pre-warmed")
	}
	return nil
}

// activate walks a component to hot from wherever it currently sits
func (o *Orchestrator) activate(ctx context.Context, component string) error {
	path := map[string]string{
		ComponentCold:       ComponentWarming,
		ComponentWarming:    ComponentWarm,
		ComponentWarm:       ComponentActivating,
		ComponentActivating: ComponentHot,
	}
	for {
		state, err := o.levels.ComponentState(ctx, component)
		if err != nil {
			return err
		}
		if state == ComponentHot {
			return nil
		}
		next, ok := path[state]
		if !ok {
			return fmt.Errorf("component %s stuck in state %s", component, state)
		}
		if err := o.levels.SetComponentState(ctx, component, next); err != nil {
			return err
		}
	}
}

// deactivate walks a component back to cold. A running component passes
// through deactivating and warm on the way down.
func (o *Orchestrator) deactivate(ctx context.Context, component string) error {
	path := map[string]string{
		ComponentWarming:      ComponentCold,
		ComponentWarm:         ComponentCold,
		ComponentActivating:   ComponentDeactivating,
		ComponentHot:          ComponentDeactivating,
		ComponentDeactivating: ComponentWarm,
	}
	for {
		state, err := o.levels.ComponentState(ctx, component)
		if err != nil {
			return err
		}
		if state == ComponentCold {
			return nil
		}
		if err := o.levels.SetComponentState(ctx, component, path[state]); err != nil {
			return err
		}
	}
}
