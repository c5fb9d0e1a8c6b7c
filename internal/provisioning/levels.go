// Package provisioning runs the economic level ladder: which platform
// components are funded at the current recurring revenue, and how level
// transitions are debounced and safety-checked.
package provisioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// Level is one rung of the economic ladder
type Level struct {
	ID                 int      `json:"id"`
	MRRThreshold       float64  `json:"mrr_threshold"`
	MaxBurn            float64  `json:"max_burn"`
	DebounceMonths     int      `json:"debounce_months"`
	ActiveComponents   []string `json:"active_components"`
	DisabledComponents []string `json:"disabled_components"`
}

// State is the single-row level state. LastOverMonth is the calendar month
// ("2006-01") that last advanced the debounce counter; the counter moves at
// most once per month however often revenue is evaluated.
type State struct {
	CurrentLevel          int        `json:"current_level"`
	ConsecutiveMonthsOver int        `json:"consecutive_months_over"`
	LastOverMonth         string     `json:"last_over_month,omitempty"`
	LastTransitionAt      *time.Time `json:"last_transition_at,omitempty"`
}

// Component lifecycle states
const (
	ComponentCold         = "cold"
	ComponentWarming      = "warming"
	ComponentWarm         = "warm"
	ComponentActivating   = "activating"
	ComponentHot          = "hot"
	ComponentDeactivating = "deactivating"
)

// componentTransitions is the allowed component lifecycle graph. Shutdown
// passes back through warm: hot -> deactivating -> warm -> cold.
var componentTransitions = map[string][]string{
	ComponentCold:         {ComponentWarming},
	ComponentWarming:      {ComponentWarm, ComponentCold},
	ComponentWarm:         {ComponentActivating, ComponentCold},
	ComponentActivating:   {ComponentHot, ComponentDeactivating},
	ComponentHot:          {ComponentDeactivating},
	ComponentDeactivating: {ComponentWarm},
}

// Store reads and writes the level ladder in config.db
type Store struct {
	db *sql.DB
}

// NewStore creates a level store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get fetches one level definition
func (s *Store) Get(ctx context.Context, id int) (*Level, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level_id, mrr_threshold, max_burn, debounce_months,
		       active_components, disabled_components
		FROM economic_levels WHERE level_id = ?`, id)
	return scanLevel(row)
}

// All returns the ladder bottom-up
func (s *Store) All(ctx context.Context) ([]*Level, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level_id, mrr_threshold, max_burn, debounce_months,
		       active_components, disabled_components
		FROM economic_levels ORDER BY level_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query levels: %w", err)
	}
	defer rows.Close()

	var levels []*Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// QualifyingLevel returns the highest level whose threshold the MRR meets
func (s *Store) QualifyingLevel(ctx context.Context, mrr float64) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(level_id), 0) FROM economic_levels
		WHERE mrr_threshold <= ?`, mrr).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to find qualifying level: %w", err)
	}
	return id, nil
}

// GetState returns the current level state
func (s *Store) GetState(ctx context.Context) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT current_level, consecutive_months_over, last_over_month, last_transition_at
		FROM level_state WHERE id = 1`)

	var state State
	var lastTransition sql.NullInt64
	if err := row.Scan(&state.CurrentLevel, &state.ConsecutiveMonthsOver, &state.LastOverMonth, &lastTransition); err != nil {
		return nil, fmt.Errorf("failed to read level state: %w", err)
	}
	if lastTransition.Valid {
		t := time.Unix(lastTransition.Int64, 0).UTC()
		state.LastTransitionAt = &t
	}
	return &state, nil
}

// CurrentLevel returns just the level id
func (s *Store) CurrentLevel(ctx context.Context) (int, error) {
	state, err := s.GetState(ctx)
	if err != nil {
		return 0, err
	}
	return state.CurrentLevel, nil
}

// SetConsecutive updates the debounce counter and the month that moved it,
// without changing level.
func (s *Store) SetConsecutive(ctx context.Context, months int, month string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE level_state SET consecutive_months_over = ?, last_over_month = ? WHERE id = 1`,
		months, month)
	if err != nil {
		return fmt.Errorf("failed to update debounce counter: %w", err)
	}
	return nil
}

// Transition moves the ladder to a new level and resets the counter
func (s *Store) Transition(ctx context.Context, level int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE level_state
		SET current_level = ?, consecutive_months_over = 0, last_over_month = '', last_transition_at = ?
		WHERE id = 1`, level, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to transition level state: %w", err)
	}
	return nil
}

// ComponentState returns a component's lifecycle state, cold when unknown
func (s *Store) ComponentState(ctx context.Context, component string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM component_states WHERE component = ?`, component).Scan(&state)
	if err == sql.ErrNoRows {
		return ComponentCold, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read component state: %w", err)
	}
	return state, nil
}

// SetComponentState moves a component along its lifecycle, refusing jumps
// the graph does not allow.
func (s *Store) SetComponentState(ctx context.Context, component, state string) error {
	current, err := s.ComponentState(ctx, component)
	if err != nil {
		return err
	}
	if current == state {
		return nil
	}
	allowed := false
	for _, next := range componentTransitions[current] {
		if next == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: component %s cannot go %s -> %s", domain.ErrInvariantViolation, component, current, state)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO component_states (component, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		component, state, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set component state: %w", err)
	}
	return nil
}

// ComponentStates returns every known component's state
func (s *Store) ComponentStates(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT component, state FROM component_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query component states: %w", err)
	}
	defer rows.Close()

	states := map[string]string{}
	for rows.Next() {
		var component, state string
		if err := rows.Scan(&component, &state); err != nil {
			return nil, fmt.Errorf("failed to scan component state: %w", err)
		}
		states[component] = state
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLevel(row rowScanner) (*Level, error) {
	var l Level
	var active, disabled string
	err := row.Scan(&l.ID, &l.MRRThreshold, &l.MaxBurn, &l.DebounceMonths, &active, &disabled)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan level: %w", err)
	}
	if err := json.Unmarshal([]byte(active), &l.ActiveComponents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal active components: %w", err)
	}
	if err := json.Unmarshal([]byte(disabled), &l.DisabledComponents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal disabled components: %w", err)
	}
	return &l, nil
}
