// Package revenue computes the trailing MRR and decides when the economy
// justifies provisioning changes.
package revenue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/events"
)

// mrrWindow is the trailing window completed payments count toward
const mrrWindow = 30 * 24 * time.Hour

// Metrics is one revenue snapshot
type Metrics struct {
	MRR            float64   `json:"mrr"`
	CompletedCount int       `json:"completed_count"`
	AvgPayment     float64   `json:"avg_payment"`
	WindowStart    time.Time `json:"window_start"`
	ComputedAt     time.Time `json:"computed_at"`
}

// LevelSource answers which level the MRR qualifies for
type LevelSource interface {
	QualifyingLevel(ctx context.Context, mrr float64) (int, error)
	CurrentLevel(ctx context.Context) (int, error)
}

// Monitor computes MRR from the payments table and emits revenue events
type Monitor struct {
	core   *sql.DB
	levels LevelSource
	events *events.Manager
	log    zerolog.Logger
	now    func() time.Time
}

// NewMonitor creates the revenue monitor
func NewMonitor(core *sql.DB, levels LevelSource, eventManager *events.Manager, log zerolog.Logger) *Monitor {
	return &Monitor{
		core:   core,
		levels: levels,
		events: eventManager,
		log:    log.With().Str("component", "revenue_monitor").Logger(),
		now:    time.Now,
	}
}

// Compute returns the trailing 30-day MRR from completed payments
func (m *Monitor) Compute(ctx context.Context) (*Metrics, error) {
	now := m.now()
	windowStart := now.Add(-mrrWindow)

	var total sql.NullFloat64
	var count int
	err := m.core.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM payments
		WHERE status = 'completed' AND completed_at >= ?`,
		windowStart.Unix()).Scan(&total, &count)
	if err != nil {
		return nil, fmt.Errorf("failed to compute MRR: %w", err)
	}

	metrics := &Metrics{
		MRR:            total.Float64,
		CompletedCount: count,
		WindowStart:    windowStart,
		ComputedAt:     now,
	}
	if count > 0 {
		metrics.AvgPayment = total.Float64 / float64(count)
	}
	return metrics, nil
}

// Tick is one scheduled pass: compute, publish, and raise a trigger when
// the MRR qualifies for a different level than the current one.
func (m *Monitor) Tick(ctx context.Context) error {
	metrics, err := m.Compute(ctx)
	if err != nil {
		return err
	}

	m.events.Emit(events.RevenueMetrics, "revenue_monitor", map[string]interface{}{
		"mrr":             metrics.MRR,
		"completed_count": metrics.CompletedCount,
		"avg_payment":     metrics.AvgPayment,
	})

	current, err := m.levels.CurrentLevel(ctx)
	if err != nil {
		return err
	}
	qualifying, err := m.levels.QualifyingLevel(ctx, metrics.MRR)
	if err != nil {
		return err
	}

	if qualifying != current {
		direction := "upgrade"
		if qualifying < current {
			direction = "downgrade"
		}
		m.events.Emit(events.RevenueTrigger, "revenue_monitor", map[string]interface{}{
			"mrr":              metrics.MRR,
			"current_level":    current,
			"qualifying_level": qualifying,
			"direction":        direction,
		})
		m.log.Info().
			Float64("mrr", metrics.MRR).
			Int("current_level", current).
			Int("qualifying_level", qualifying).
			Str("direction", direction).
			Msg("Revenue trigger raised")
	}
	return nil
}

// RecordPayment inserts a payment row. Webhook handlers call this; only
// completed payments count toward MRR.
func (m *Monitor) RecordPayment(ctx context.Context, id, shipmentID string, amount float64, status string) error {
	var completedAt interface{}
	if status == "completed" {
		completedAt = m.now().Unix()
	}
	_, err := m.core.ExecContext(ctx, `
		INSERT INTO payments (id, shipment_id, amount, status, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, nullIfEmpty(shipmentID), amount, status, completedAt, m.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// CompletePayment marks a pending payment completed
func (m *Monitor) CompletePayment(ctx context.Context, id string) error {
	result, err := m.core.ExecContext(ctx, `
		UPDATE payments SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		m.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("payment %s is not pending", id)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
