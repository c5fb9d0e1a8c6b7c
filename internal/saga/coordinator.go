package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
)

// StepResult carries what a step wants journaled
type StepResult struct {
	Payload    interface{}
	LedgerTxID string
}

// Step is one forward action with its undo. Compensate may be nil for steps
// with no external effect.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) (*StepResult, error)
	Compensate func(ctx context.Context) (*StepResult, error)
}

// Coordinator runs sagas: forward through the steps, and on failure back
// through the completed ones in reverse. Every transition is journaled
// before the saga proceeds.
type Coordinator struct {
	journal *Journal
	log     zerolog.Logger

	mu      sync.Mutex
	running map[string]bool // saga id -> in flight
}

// NewCoordinator creates a saga coordinator
func NewCoordinator(journal *Journal, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		journal: journal,
		running: make(map[string]bool),
		log:     log.With().Str("component", "saga_coordinator").Logger(),
	}
}

// acquire claims the saga id for the duration of a run. Two failovers on
// the same shipment must not interleave.
func (c *Coordinator) acquire(sagaID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[sagaID] {
		return fmt.Errorf("%w: saga %s already in progress", domain.ErrConflict, sagaID)
	}
	c.running[sagaID] = true
	return nil
}

func (c *Coordinator) release(sagaID string) {
	c.mu.Lock()
	delete(c.running, sagaID)
	c.mu.Unlock()
}

// Run executes the steps of one saga instance. On step failure or context
// cancellation it compensates all completed steps in reverse order and
// returns an error wrapping ErrSagaFailed. Compensation is best-effort:
// a failing compensation is logged and the rollback continues.
//
// Run is replay-safe: when the journal already records a step as completed,
// the forward action is skipped instead of re-executed, so a saga resumed
// after a crash picks up from the first unfinished step.
func (c *Coordinator) Run(ctx context.Context, sagaType, sagaID string, steps []Step) error {
	if err := c.acquire(sagaID); err != nil {
		return err
	}
	defer c.release(sagaID)

	done, begun, err := c.replayState(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("%w: saga %s could not read journal: %v", domain.ErrSagaFailed, sagaID, err)
	}

	completed := 0

	for i, step := range steps {
		if done[i] {
			c.log.Info().
				Str("saga_id", sagaID).
				Str("step", step.Name).
				Msg("Step already journaled as completed, skipping replay")
			completed++
			continue
		}

		if err := ctx.Err(); err != nil {
			// Emergency stop or timeout: mark the step we never ran
			if jerr := c.journal.Append(ctx2(ctx), sagaID, sagaType, i, step.Name, StatusCancelled, nil, ""); jerr != nil {
				c.log.Error().Err(jerr).Str("saga_id", sagaID).Msg("Failed to journal cancellation")
			}
			c.compensate(sagaType, sagaID, steps, completed)
			return fmt.Errorf("%w: saga %s cancelled before step %s: %v", domain.ErrSagaFailed, sagaID, step.Name, err)
		}

		// A step that crashed mid-execution already has its started record;
		// re-appending it would trip the journal's uniqueness constraint.
		if !begun[i] {
			if err := c.journal.Append(ctx, sagaID, sagaType, i, step.Name, StatusStarted, nil, ""); err != nil {
				c.compensate(sagaType, sagaID, steps, completed)
				return fmt.Errorf("%w: saga %s could not journal step %s: %v", domain.ErrSagaFailed, sagaID, step.Name, err)
			}
		}

		result, err := step.Execute(ctx)
		if err != nil {
			c.log.Warn().Err(err).
				Str("saga_id", sagaID).
				Str("step", step.Name).
				Msg("Saga step failed, rolling back")

			if jerr := c.journal.Append(ctx2(ctx), sagaID, sagaType, i, step.Name, StatusRolledBack, nil, ""); jerr != nil {
				c.log.Error().Err(jerr).Str("saga_id", sagaID).Msg("Failed to journal rollback")
			}
			c.compensate(sagaType, sagaID, steps, completed)
			return fmt.Errorf("%w: saga %s step %s: %v", domain.ErrSagaFailed, sagaID, step.Name, err)
		}

		var payload interface{}
		var txID string
		if result != nil {
			payload = result.Payload
			txID = result.LedgerTxID
		}
		// Journal completion even if the saga context died during the step;
		// the work happened and the record must say so.
		if err := c.journal.Append(ctx2(ctx), sagaID, sagaType, i, step.Name, StatusCompleted, payload, txID); err != nil {
			c.compensate(sagaType, sagaID, steps, completed+1)
			return fmt.Errorf("%w: saga %s could not journal completion of %s: %v", domain.ErrSagaFailed, sagaID, step.Name, err)
		}
		completed++
	}

	c.log.Info().
		Str("saga_id", sagaID).
		Str("saga_type", sagaType).
		Int("steps", len(steps)).
		Msg("Saga completed")
	return nil
}

// replayState reads the journal for a saga id and reports which step indexes
// already completed and which at least started.
func (c *Coordinator) replayState(ctx context.Context, sagaID string) (done, begun map[int]bool, err error) {
	entries, err := c.journal.Entries(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	done = make(map[int]bool)
	begun = make(map[int]bool)
	for _, e := range entries {
		switch e.Status {
		case StatusCompleted:
			done[e.StepIndex] = true
		case StatusStarted:
			begun[e.StepIndex] = true
		}
	}
	return done, begun, nil
}

// compensate undoes the first n completed steps, last first. It runs on a
// fresh context so a cancelled saga can still roll back.
func (c *Coordinator) compensate(sagaType, sagaID string, steps []Step, n int) {
	ctx := context.Background()

	for i := n - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensate == nil {
			continue
		}

		result, err := step.Compensate(ctx)
		if err != nil {
			c.log.Error().Err(err).
				Str("saga_id", sagaID).
				Str("step", step.Name).
				Msg("Compensation failed, manual reconciliation needed")
			continue
		}

		var payload interface{}
		var txID string
		if result != nil {
			payload = result.Payload
			txID = result.LedgerTxID
		}
		if err := c.journal.Append(ctx, sagaID, sagaType, i, step.Name, StatusCompensated, payload, txID); err != nil {
			c.log.Error().Err(err).
				Str("saga_id", sagaID).
				Str("step", step.Name).
				Msg("Failed to journal compensation")
		}
	}
}

// ctx2 returns a usable context for journaling even when the saga context
// is already cancelled.
func ctx2(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}
