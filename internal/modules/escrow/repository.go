// Package escrow mirrors the external ledger's escrow state per shipment
// and records the append-only carrier change trail.
package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// Repository persists escrow mirrors in core.db and carrier changes in
// audit.db.
type Repository struct {
	core  *sql.DB
	audit *sql.DB
}

// NewRepository creates an escrow repository
func NewRepository(core, audit *sql.DB) *Repository {
	return &Repository{core: core, audit: audit}
}

// Create inserts the escrow mirror for a shipment. OriginalCarrier is fixed
// here and never updated afterwards.
func (r *Repository) Create(ctx context.Context, e *domain.EscrowRecord) error {
	if e.Status == "" {
		e.Status = domain.EscrowLocked
	}
	if e.CurrentCarrier == "" {
		e.CurrentCarrier = e.OriginalCarrier
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := r.core.ExecContext(ctx, `
		INSERT INTO escrows
			(shipment_id, status, amount, deadline, failover_count,
			 original_carrier, current_carrier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ShipmentID, string(e.Status), e.Amount, e.Deadline.Unix(),
		e.FailoverCount, e.OriginalCarrier, e.CurrentCarrier,
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

// Get fetches the escrow for a shipment, or ErrNotFound
func (r *Repository) Get(ctx context.Context, shipmentID string) (*domain.EscrowRecord, error) {
	row := r.core.QueryRowContext(ctx, `
		SELECT shipment_id, status, amount, deadline, failover_count,
		       original_carrier, current_carrier, created_at, updated_at
		FROM escrows WHERE shipment_id = ?`, shipmentID)

	var e domain.EscrowRecord
	var deadline, createdAt, updatedAt int64
	err := row.Scan(&e.ShipmentID, (*string)(&e.Status), &e.Amount, &deadline,
		&e.FailoverCount, &e.OriginalCarrier, &e.CurrentCarrier, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	e.Deadline = time.Unix(deadline, 0).UTC()
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

// SetStatus moves the escrow mirror to a new status
func (r *Repository) SetStatus(ctx context.Context, shipmentID string, status domain.EscrowStatus) error {
	result, err := r.core.ExecContext(ctx, `
		UPDATE escrows SET status = ?, updated_at = ? WHERE shipment_id = ?`,
		string(status), time.Now().Unix(), shipmentID)
	if err != nil {
		return fmt.Errorf("failed to update escrow status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Reassign points the escrow at a new current carrier, bumping the failover
// counter and extending the deadline. OriginalCarrier stays untouched.
func (r *Repository) Reassign(ctx context.Context, shipmentID, newCarrier string, newDeadline time.Time) error {
	result, err := r.core.ExecContext(ctx, `
		UPDATE escrows
		SET current_carrier = ?, failover_count = failover_count + 1,
		    deadline = ?, status = 'transferred', updated_at = ?
		WHERE shipment_id = ?`,
		newCarrier, newDeadline.Unix(), time.Now().Unix(), shipmentID)
	if err != nil {
		return fmt.Errorf("failed to reassign escrow: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordCarrierChange appends one entry to the audit-side change trail
func (r *Repository) RecordCarrierChange(ctx context.Context, c *domain.CarrierChange) error {
	var compensating interface{}
	if c.CompensatingTxID != nil {
		compensating = *c.CompensatingTxID
	}
	success := 0
	if c.Success {
		success = 1
	}

	_, err := r.audit.ExecContext(ctx, `
		INSERT INTO carrier_changes
			(shipment_id, from_carrier, to_carrier, reason, executed_by,
			 ledger_tx_id, success, compensating_tx_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ShipmentID, c.FromCarrier, c.ToCarrier, c.Reason, c.ExecutedBy,
		nullIfEmpty(c.LedgerTxID), success, compensating, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record carrier change: %w", err)
	}
	return nil
}

// CarrierChanges returns the change trail for a shipment in insertion order
func (r *Repository) CarrierChanges(ctx context.Context, shipmentID string) ([]*domain.CarrierChange, error) {
	rows, err := r.audit.QueryContext(ctx, `
		SELECT id, shipment_id, from_carrier, to_carrier, reason, executed_by,
		       ledger_tx_id, success, compensating_tx_id, created_at
		FROM carrier_changes
		WHERE shipment_id = ?
		ORDER BY id ASC`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query carrier changes: %w", err)
	}
	defer rows.Close()

	var out []*domain.CarrierChange
	for rows.Next() {
		var c domain.CarrierChange
		var ledgerTx, compensating sql.NullString
		var success int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.ShipmentID, &c.FromCarrier, &c.ToCarrier,
			&c.Reason, &c.ExecutedBy, &ledgerTx, &success, &compensating, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan carrier change: %w", err)
		}
		c.LedgerTxID = ledgerTx.String
		c.Success = success != 0
		if compensating.Valid {
			c.CompensatingTxID = &compensating.String
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountRecentFailovers returns successful carrier changes since a time,
// grouped by the carrier that was replaced. Feeds fraud detection.
func (r *Repository) CountRecentFailovers(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.audit.QueryContext(ctx, `
		SELECT from_carrier, COUNT(*)
		FROM carrier_changes
		WHERE success = 1 AND created_at >= ?
		GROUP BY from_carrier`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to count recent failovers: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var carrier string
		var n int
		if err := rows.Scan(&carrier, &n); err != nil {
			return nil, fmt.Errorf("failed to scan failover count: %w", err)
		}
		counts[carrier] = n
	}
	return counts, rows.Err()
}

// CurrentCarrierFromTrail replays the successful changes for a shipment and
// returns the carrier the trail ends on, or empty when no change succeeded.
func (r *Repository) CurrentCarrierFromTrail(ctx context.Context, shipmentID string) (string, error) {
	changes, err := r.CarrierChanges(ctx, shipmentID)
	if err != nil {
		return "", err
	}
	current := ""
	for _, c := range changes {
		if c.Success {
			current = c.ToCarrier
		}
	}
	return current, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
