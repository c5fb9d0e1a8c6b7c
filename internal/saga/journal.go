// Package saga implements the multi-step compensation protocol used for
// carrier failovers and escrow mutations, with a durable journal in the
// ledger-profile database.
package saga

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Step status values as stored in the journal
const (
	StatusStarted     = "started"
	StatusCompleted   = "completed"
	StatusCompensated = "compensated"
	StatusRolledBack  = "rolled_back"
	StatusCancelled   = "cancelled"
)

// JournalEntry is one row of the saga journal
type JournalEntry struct {
	ID         int64
	SagaID     string
	SagaType   string
	StepIndex  int
	StepName   string
	Status     string
	Payload    []byte // msgpack
	LedgerTxID string
	CreatedAt  time.Time
}

// DecodePayload unmarshals the entry payload into out
func (e *JournalEntry) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode journal payload: %w", err)
	}
	return nil
}

// Journal appends and reads saga step records
type Journal struct {
	db *sql.DB
}

// NewJournal creates a saga journal backed by audit.db
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Append writes one step record. The (saga, step, status) triple is unique,
// so replays of the same transition are refused by the storage layer.
func (j *Journal) Append(ctx context.Context, sagaID, sagaType string, stepIndex int, stepName, status string, payload interface{}, ledgerTxID string) error {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = msgpack.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode journal payload: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO saga_journal
			(saga_id, saga_type, step_index, step_name, status, payload, ledger_tx_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sagaID, sagaType, stepIndex, stepName, status, encoded,
		nullIfEmpty(ledgerTxID), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append saga journal entry: %w", err)
	}
	return nil
}

// Entries returns all records for a saga in insertion order
func (j *Journal) Entries(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, saga_id, saga_type, step_index, step_name, status,
		       payload, ledger_tx_id, created_at
		FROM saga_journal
		WHERE saga_id = ?
		ORDER BY id ASC`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query saga journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var ledgerTx sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SagaID, &e.SagaType, &e.StepIndex,
			&e.StepName, &e.Status, &e.Payload, &ledgerTx, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan saga journal entry: %w", err)
		}
		e.LedgerTxID = ledgerTx.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Unfinished returns saga ids that have a started step without a terminal
// record, typically after a crash.
func (j *Journal) Unfinished(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT DISTINCT s.saga_id
		FROM saga_journal s
		WHERE s.status = 'started'
		  AND NOT EXISTS (
			SELECT 1 FROM saga_journal t
			WHERE t.saga_id = s.saga_id
			  AND t.step_index = s.step_index
			  AND t.status IN ('completed', 'compensated', 'rolled_back', 'cancelled')
		  )`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
