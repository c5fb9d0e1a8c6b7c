package saga

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/domain"
)

func newJournalDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "audit.db"),
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.Conn()
}

func okStep(name string, trace *[]string) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) (*StepResult, error) {
			*trace = append(*trace, "exec:"+name)
			return &StepResult{LedgerTxID: "tx-" + name}, nil
		},
		Compensate: func(ctx context.Context) (*StepResult, error) {
			*trace = append(*trace, "comp:"+name)
			return &StepResult{LedgerTxID: "comp-tx-" + name}, nil
		},
	}
}

func TestSagaHappyPathJournalsEveryStep(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	err := c.Run(context.Background(), "failover", "saga-1", []Step{
		okStep("lock", &trace),
		okStep("transfer", &trace),
		okStep("update", &trace),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"exec:lock", "exec:transfer", "exec:update"}, trace)

	entries, err := journal.Entries(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, StatusStarted, entries[0].Status)
	assert.Equal(t, StatusCompleted, entries[1].Status)
	assert.Equal(t, "tx-lock", entries[1].LedgerTxID)
	assert.Equal(t, StatusCompleted, entries[5].Status)
}

func TestSagaFailureCompensatesInReverseOrder(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	steps := []Step{
		okStep("lock", &trace),
		okStep("transfer", &trace),
		{
			Name: "update",
			Execute: func(ctx context.Context) (*StepResult, error) {
				return nil, errors.New("db unavailable")
			},
		},
	}

	err := c.Run(context.Background(), "failover", "saga-2", steps)
	require.ErrorIs(t, err, domain.ErrSagaFailed)
	assert.Equal(t, []string{"exec:lock", "exec:transfer", "comp:transfer", "comp:lock"}, trace)

	entries, err := journal.Entries(context.Background(), "saga-2")
	require.NoError(t, err)

	var statuses []string
	var compensated []string
	for _, e := range entries {
		statuses = append(statuses, e.Status)
		if e.Status == StatusCompensated {
			compensated = append(compensated, e.StepName)
		}
	}
	assert.Contains(t, statuses, StatusRolledBack)
	// Compensations appear in reverse completion order
	assert.Equal(t, []string{"transfer", "lock"}, compensated)
}

func TestSagaCancellationMarksAndRollsBack(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	ctx, cancel := context.WithCancel(context.Background())
	steps := []Step{
		okStep("lock", &trace),
		{
			Name: "transfer",
			Execute: func(stepCtx context.Context) (*StepResult, error) {
				cancel() // emergency stop arrives mid-saga
				return &StepResult{}, nil
			},
			Compensate: func(stepCtx context.Context) (*StepResult, error) {
				trace = append(trace, "comp:transfer")
				return &StepResult{}, nil
			},
		},
		okStep("update", &trace),
	}

	err := c.Run(ctx, "failover", "saga-3", steps)
	require.ErrorIs(t, err, domain.ErrSagaFailed)

	entries, err := journal.Entries(context.Background(), "saga-3")
	require.NoError(t, err)

	var cancelled bool
	for _, e := range entries {
		if e.Status == StatusCancelled && e.StepName == "update" {
			cancelled = true
		}
	}
	assert.True(t, cancelled, "the never-run step must be journaled as cancelled")
	assert.Equal(t, []string{"exec:lock", "comp:transfer", "comp:lock"}, trace)
}

func TestSagaRefusesConcurrentRunForSameID(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	c := NewCoordinator(journal, zerolog.Nop())

	blocked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- c.Run(context.Background(), "failover", "saga-busy", []Step{{
			Name: "lock",
			Execute: func(ctx context.Context) (*StepResult, error) {
				close(blocked)
				<-release
				return &StepResult{}, nil
			},
		}})
	}()

	<-blocked
	err := c.Run(context.Background(), "failover", "saga-busy", nil)
	assert.ErrorIs(t, err, domain.ErrConflict)

	close(release)
	require.NoError(t, <-done)

	// The id is free again once the first run finishes
	require.NoError(t, c.Run(context.Background(), "failover", "saga-busy", nil))
}

func TestRunSkipsForwardActionsAlreadyJournaled(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	// A previous process got through step 0 and died before step 1
	require.NoError(t, journal.Append(ctx, "saga-resume", "failover", 0, "lock", StatusStarted, nil, ""))
	require.NoError(t, journal.Append(ctx, "saga-resume", "failover", 0, "lock", StatusCompleted, nil, "tx-lock"))

	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	err := c.Run(ctx, "failover", "saga-resume", []Step{
		okStep("lock", &trace),
		okStep("transfer", &trace),
	})
	require.NoError(t, err)

	// Only the unfinished step runs
	assert.Equal(t, []string{"exec:transfer"}, trace)

	entries, err := journal.Entries(ctx, "saga-resume")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "transfer", entries[3].StepName)
	assert.Equal(t, StatusCompleted, entries[3].Status)
}

func TestRunResumesStepThatCrashedMidExecution(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	// Step 0 started but never reached a terminal status
	require.NoError(t, journal.Append(ctx, "saga-midstep", "failover", 0, "lock", StatusStarted, nil, ""))

	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	err := c.Run(ctx, "failover", "saga-midstep", []Step{
		okStep("lock", &trace),
		okStep("transfer", &trace),
	})
	require.NoError(t, err)

	// The interrupted step re-executes without a duplicate started record
	assert.Equal(t, []string{"exec:lock", "exec:transfer"}, trace)

	entries, err := journal.Entries(ctx, "saga-midstep")
	require.NoError(t, err)

	started := 0
	for _, e := range entries {
		if e.StepIndex == 0 && e.Status == StatusStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestRunReplaySkipsStillCompensateOnLaterFailure(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	require.NoError(t, journal.Append(ctx, "saga-replay-fail", "failover", 0, "lock", StatusStarted, nil, ""))
	require.NoError(t, journal.Append(ctx, "saga-replay-fail", "failover", 0, "lock", StatusCompleted, nil, ""))

	c := NewCoordinator(journal, zerolog.Nop())
	var trace []string

	err := c.Run(ctx, "failover", "saga-replay-fail", []Step{
		okStep("lock", &trace),
		{
			Name: "transfer",
			Execute: func(ctx context.Context) (*StepResult, error) {
				return nil, errors.New("carrier gone")
			},
		},
	})
	require.ErrorIs(t, err, domain.ErrSagaFailed)

	// The skipped step still counts as completed for rollback purposes
	assert.Equal(t, []string{"comp:lock"}, trace)
}

func TestJournalRefusesDuplicateTransition(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	require.NoError(t, journal.Append(ctx, "saga-4", "failover", 0, "lock", StatusStarted, nil, ""))
	err := journal.Append(ctx, "saga-4", "failover", 0, "lock", StatusStarted, nil, "")
	assert.Error(t, err)
}

func TestJournalPayloadRoundTrip(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	type transferPayload struct {
		Shipment string  `msgpack:"shipment"`
		Amount   float64 `msgpack:"amount"`
	}
	require.NoError(t, journal.Append(ctx, "saga-5", "failover", 0, "transfer",
		StatusCompleted, transferPayload{Shipment: "s-1", Amount: 420.5}, "tx-9"))

	entries, err := journal.Entries(ctx, "saga-5")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var decoded transferPayload
	require.NoError(t, entries[0].DecodePayload(&decoded))
	assert.Equal(t, "s-1", decoded.Shipment)
	assert.InDelta(t, 420.5, decoded.Amount, 0.001)
}

func TestUnfinishedDetectsCrashedSaga(t *testing.T) {
	journal := NewJournal(newJournalDB(t))
	ctx := context.Background()

	// Completed saga
	require.NoError(t, journal.Append(ctx, "saga-done", "failover", 0, "lock", StatusStarted, nil, ""))
	require.NoError(t, journal.Append(ctx, "saga-done", "failover", 0, "lock", StatusCompleted, nil, ""))

	// Crashed mid-step
	require.NoError(t, journal.Append(ctx, "saga-crashed", "failover", 0, "lock", StatusStarted, nil, ""))

	ids, err := journal.Unfinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"saga-crashed"}, ids)
}
