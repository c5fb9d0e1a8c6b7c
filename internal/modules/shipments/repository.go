// Package shipments owns the shipment lifecycle, tracking positions, and
// the per-shipment saga exclusivity flag.
package shipments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvitali/carovana/internal/domain"
)

// Repository persists shipments in core.db
type Repository struct {
	db *sql.DB
}

// NewRepository creates a shipment repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a shipment after validating its pricing invariants
func (r *Repository) Create(ctx context.Context, s *domain.Shipment) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = domain.ShipmentPending
	}
	if err := s.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shipments
			(id, tracking_code, carrier_id, lead_id, origin, destination,
			 weight_kg, declared_value, status, planned_delivery_at,
			 cost, sale_price, margin, saga_in_progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		s.ID, s.TrackingCode, nullIfEmpty(s.CarrierID), nullIfEmpty(s.LeadID),
		s.Origin, s.Destination, s.WeightKg, s.DeclaredValue, string(s.Status),
		nullTime(s.PlannedDeliveryAt), s.Cost, s.SalePrice, s.Margin,
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert shipment: %w", err)
	}
	return nil
}

// Get fetches a shipment by id, or ErrNotFound
func (r *Repository) Get(ctx context.Context, id string) (*domain.Shipment, error) {
	row := r.db.QueryRowContext(ctx, selectShipment+` WHERE id = ?`, id)
	return scanShipment(row)
}

// GetByTrackingCode fetches a shipment by its public tracking code
func (r *Repository) GetByTrackingCode(ctx context.Context, code string) (*domain.Shipment, error) {
	row := r.db.QueryRowContext(ctx, selectShipment+` WHERE tracking_code = ?`, code)
	return scanShipment(row)
}

// List returns shipments, optionally filtered by status
func (r *Repository) List(ctx context.Context, status domain.ShipmentStatus, limit int) ([]*domain.Shipment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectShipment
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shipments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveByCarrier returns the carrier's shipments currently moving
func (r *Repository) ListActiveByCarrier(ctx context.Context, carrierID string) ([]*domain.Shipment, error) {
	rows, err := r.db.QueryContext(ctx, selectShipment+`
		WHERE carrier_id = ? AND status IN ('confirmed', 'in_transit')
		ORDER BY created_at ASC`, carrierID)
	if err != nil {
		return nil, fmt.Errorf("failed to query carrier shipments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Transition moves a shipment along the status graph
func (r *Repository) Transition(ctx context.Context, id string, to domain.ShipmentStatus) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(s.Status, to) {
		return fmt.Errorf("%w: shipment %s cannot go %s -> %s", domain.ErrInvariantViolation, id, s.Status, to)
	}

	query := `UPDATE shipments SET status = ?, updated_at = ?`
	args := []interface{}{string(to), time.Now().Unix()}
	if to == domain.ShipmentDelivered {
		query += `, actual_delivery_at = ?`
		args = append(args, time.Now().Unix())
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update shipment status: %w", err)
	}
	return nil
}

// UpdatePosition stores the latest position fix
func (r *Repository) UpdatePosition(ctx context.Context, id string, p domain.GeoPoint) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shipments
		SET position_lat = ?, position_lon = ?, position_at = ?, updated_at = ?
		WHERE id = ?`,
		p.Lat, p.Lon, p.At.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update shipment position: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCarrier repoints the shipment at a new carrier. Only the saga
// coordinator calls this.
func (r *Repository) SetCarrier(ctx context.Context, id, carrierID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shipments SET carrier_id = ?, updated_at = ? WHERE id = ?`,
		carrierID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set shipment carrier: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetPlannedDelivery rewrites the delivery promise, typically to grant the
// grace a replacement carrier gets after a failover. A nil time clears it.
func (r *Repository) SetPlannedDelivery(ctx context.Context, id string, at *time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shipments SET planned_delivery_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(at), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set planned delivery: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TryBeginSaga atomically claims the shipment for a saga. A second saga on
// the same shipment gets ErrConflict until EndSaga runs.
func (r *Repository) TryBeginSaga(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shipments SET saga_in_progress = 1, updated_at = ?
		WHERE id = ? AND saga_in_progress = 0`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to claim shipment for saga: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Either missing or already claimed
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: shipment %s already has a saga in progress", domain.ErrConflict, id)
	}
	return nil
}

// EndSaga releases the shipment's saga claim
func (r *Repository) EndSaga(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE shipments SET saga_in_progress = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to release shipment saga claim: %w", err)
	}
	return nil
}

// Overdue returns in-transit shipments whose planned delivery plus grace
// has passed.
func (r *Repository) Overdue(ctx context.Context, now time.Time, grace time.Duration) ([]*domain.Shipment, error) {
	cutoff := now.Add(-grace).Unix()
	rows, err := r.db.QueryContext(ctx, selectShipment+`
		WHERE status = 'in_transit'
		  AND planned_delivery_at IS NOT NULL
		  AND planned_delivery_at < ?
		ORDER BY planned_delivery_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue shipments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectShipment = `
	SELECT id, tracking_code, carrier_id, lead_id, origin, destination,
	       weight_kg, declared_value, status, planned_delivery_at,
	       actual_delivery_at, position_lat, position_lon, position_at,
	       cost, sale_price, margin, saga_in_progress, created_at, updated_at
	FROM shipments`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanShipment(row rowScanner) (*domain.Shipment, error) {
	var s domain.Shipment
	var carrierID, leadID sql.NullString
	var planned, actual, positionAt sql.NullInt64
	var lat, lon sql.NullFloat64
	var sagaInProgress int
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.TrackingCode, &carrierID, &leadID, &s.Origin,
		&s.Destination, &s.WeightKg, &s.DeclaredValue, (*string)(&s.Status),
		&planned, &actual, &lat, &lon, &positionAt,
		&s.Cost, &s.SalePrice, &s.Margin, &sagaInProgress, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan shipment: %w", err)
	}

	s.CarrierID = carrierID.String
	s.LeadID = leadID.String
	if planned.Valid {
		t := time.Unix(planned.Int64, 0).UTC()
		s.PlannedDeliveryAt = &t
	}
	if actual.Valid {
		t := time.Unix(actual.Int64, 0).UTC()
		s.ActualDeliveryAt = &t
	}
	if lat.Valid && lon.Valid && positionAt.Valid {
		s.Position = &domain.GeoPoint{
			Lat: lat.Float64,
			Lon: lon.Float64,
			At:  time.Unix(positionAt.Int64, 0).UTC(),
		}
	}
	s.SagaInProgress = sagaInProgress != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
