package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// SQLRepository persists psych profiles in core.db
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a profile repository
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Upsert inserts or replaces the profile for a lead
func (r *SQLRepository) Upsert(ctx context.Context, p *domain.PsychProfile) error {
	var embedding interface{}
	if len(p.Embedding) > 0 {
		data, err := json.Marshal(p.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embedding = string(data)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO psych_profiles
			(lead_id, profile_type, decision_speed, risk_tolerance,
			 price_sensitivity, communication_pref, embedding, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			profile_type = excluded.profile_type,
			decision_speed = excluded.decision_speed,
			risk_tolerance = excluded.risk_tolerance,
			price_sensitivity = excluded.price_sensitivity,
			communication_pref = excluded.communication_pref,
			embedding = excluded.embedding,
			assigned_at = excluded.assigned_at`,
		p.LeadID, string(p.Type), p.DecisionSpeed, p.RiskTolerance,
		p.PriceSensitivity, p.CommunicationPref, embedding, p.AssignedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// Get fetches the profile for a lead, or ErrNotFound
func (r *SQLRepository) Get(ctx context.Context, leadID string) (*domain.PsychProfile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT lead_id, profile_type, decision_speed, risk_tolerance,
		       price_sensitivity, communication_pref, embedding, assigned_at
		FROM psych_profiles
		WHERE lead_id = ?`, leadID)
	return scanProfile(row)
}

// ListConverted returns profiles of leads that closed as won. Similarity
// queries search these so a live lead is matched against deals that worked.
func (r *SQLRepository) ListConverted(ctx context.Context) ([]*domain.PsychProfile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.lead_id, p.profile_type, p.decision_speed, p.risk_tolerance,
		       p.price_sensitivity, p.communication_pref, p.embedding, p.assigned_at
		FROM psych_profiles p
		JOIN leads l ON l.id = p.lead_id
		WHERE l.status = 'converted'`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*domain.PsychProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*domain.PsychProfile, error) {
	var p domain.PsychProfile
	var embedding sql.NullString
	var assignedAt int64

	err := row.Scan(&p.LeadID, (*string)(&p.Type), &p.DecisionSpeed,
		&p.RiskTolerance, &p.PriceSensitivity, &p.CommunicationPref,
		&embedding, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}

	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &p.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
		}
	}
	p.AssignedAt = time.Unix(assignedAt, 0).UTC()

	return &p, nil
}
