package persuasion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// SQLRepository persists strategies and nurturing sequences in core.db
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a persuasion repository
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// ListStrategies returns active-first strategies for a profile/stage pair,
// best success rate first. Ties fall back to insertion order.
func (r *SQLRepository) ListStrategies(ctx context.Context, profileType domain.ProfileType, stage string) ([]*Strategy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, profile_type, stage, template, patterns, objection_handlers,
		       attempts, wins, success_rate, active, created_at
		FROM persuasion_strategies
		WHERE profile_type = ? AND stage = ?
		ORDER BY active DESC, success_rate DESC, id ASC`,
		string(profileType), stage)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var strategies []*Strategy
	for rows.Next() {
		var s Strategy
		var patterns, handlers sql.NullString
		var active int
		var createdAt int64

		err := rows.Scan(&s.ID, (*string)(&s.ProfileType), &s.Stage, &s.Template,
			&patterns, &handlers, &s.Attempts, &s.Wins, &s.SuccessRate,
			&active, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}

		if patterns.Valid && patterns.String != "" {
			if err := json.Unmarshal([]byte(patterns.String), &s.Patterns); err != nil {
				return nil, fmt.Errorf("failed to unmarshal patterns: %w", err)
			}
		}
		if handlers.Valid && handlers.String != "" {
			if err := json.Unmarshal([]byte(handlers.String), &s.ObjectionHandlers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal objection handlers: %w", err)
			}
		}
		s.Active = active != 0
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		strategies = append(strategies, &s)
	}
	return strategies, rows.Err()
}

// RecordOutcome updates a strategy's counters and recomputes its rate
func (r *SQLRepository) RecordOutcome(ctx context.Context, strategyID int64, won bool) error {
	win := 0
	if won {
		win = 1
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE persuasion_strategies
		SET attempts = attempts + 1,
		    wins = wins + ?,
		    success_rate = CAST(wins + ? AS REAL) / (attempts + 1)
		WHERE id = ?`, win, win, strategyID)
	if err != nil {
		return fmt.Errorf("failed to record strategy outcome: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ScheduleStep inserts one nurturing sequence step
func (r *SQLRepository) ScheduleStep(ctx context.Context, leadID string, step int, channel string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nurturing_sequences (lead_id, step, channel, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		leadID, step, channel, at.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert nurturing step: %w", err)
	}
	return nil
}

// DueSteps returns unsent steps whose schedule has passed
func (r *SQLRepository) DueSteps(ctx context.Context, now time.Time, limit int) ([]NurturingStep, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, step, channel, scheduled_at
		FROM nurturing_sequences
		WHERE sent_at IS NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due steps: %w", err)
	}
	defer rows.Close()

	var steps []NurturingStep
	for rows.Next() {
		var s NurturingStep
		var scheduledAt int64
		if err := rows.Scan(&s.ID, &s.LeadID, &s.Step, &s.Channel, &scheduledAt); err != nil {
			return nil, fmt.Errorf("failed to scan nurturing step: %w", err)
		}
		s.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// MarkSent stamps a step as delivered
func (r *SQLRepository) MarkSent(ctx context.Context, stepID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE nurturing_sequences SET sent_at = ? WHERE id = ?`,
		time.Now().Unix(), stepID)
	if err != nil {
		return fmt.Errorf("failed to mark nurturing step sent: %w", err)
	}
	return nil
}

// NurturingStep is one pending follow-up
type NurturingStep struct {
	ID          int64
	LeadID      string
	Step        int
	Channel     string
	ScheduledAt time.Time
}
