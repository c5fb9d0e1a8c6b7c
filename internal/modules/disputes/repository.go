// Package disputes stores dispute verdicts in the audit database.
package disputes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// Repository persists dispute resolutions in audit.db
type Repository struct {
	db *sql.DB
}

// NewRepository creates a dispute repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordResolution appends a verdict
func (r *Repository) RecordResolution(ctx context.Context, d *domain.DisputeResolution) error {
	carrierWins := 0
	if d.CarrierWins {
		carrierWins = 1
	}
	d.ResolvedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO dispute_resolutions
			(shipment_id, carrier_wins, refund_amount, evidence_digest,
			 analysis_digest, confidence, resolver, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ShipmentID, carrierWins, d.RefundAmount, d.EvidenceDigest,
		d.AnalysisDigest, d.Confidence, d.Resolver, d.ResolvedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record dispute resolution: %w", err)
	}
	d.ID, _ = result.LastInsertId()
	return nil
}

// ListByShipment returns all verdicts for a shipment in order
func (r *Repository) ListByShipment(ctx context.Context, shipmentID string) ([]*domain.DisputeResolution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, shipment_id, carrier_wins, refund_amount, evidence_digest,
		       analysis_digest, confidence, resolver, resolved_at
		FROM dispute_resolutions
		WHERE shipment_id = ?
		ORDER BY id ASC`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispute resolutions: %w", err)
	}
	defer rows.Close()

	var out []*domain.DisputeResolution
	for rows.Next() {
		var d domain.DisputeResolution
		var carrierWins int
		var resolvedAt int64
		if err := rows.Scan(&d.ID, &d.ShipmentID, &carrierWins, &d.RefundAmount,
			&d.EvidenceDigest, &d.AnalysisDigest, &d.Confidence, &d.Resolver, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispute resolution: %w", err)
		}
		d.CarrierWins = carrierWins != 0
		d.ResolvedAt = time.Unix(resolvedAt, 0).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CountAutoResolvedSince returns how many disputes the named resolver
// settled since a time. Enforces the autonomous daily limit.
func (r *Repository) CountAutoResolvedSince(ctx context.Context, resolver string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispute_resolutions
		WHERE resolver = ? AND resolved_at >= ?`,
		resolver, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count resolutions: %w", err)
	}
	return n, nil
}
