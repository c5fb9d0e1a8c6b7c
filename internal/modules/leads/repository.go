// Package leads owns lead lifecycle and the interaction log.
package leads

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvitali/carovana/internal/domain"
)

// allowed lead status transitions
var leadTransitions = map[domain.LeadStatus][]domain.LeadStatus{
	domain.LeadNew:       {domain.LeadContacted, domain.LeadRejected},
	domain.LeadContacted: {domain.LeadQualified, domain.LeadSuspended, domain.LeadRejected},
	domain.LeadQualified: {domain.LeadConverted, domain.LeadSuspended, domain.LeadRejected},
	domain.LeadSuspended: {domain.LeadContacted, domain.LeadRejected},
	domain.LeadRejected:  {},
	domain.LeadConverted: {},
}

func canTransition(from, to domain.LeadStatus) bool {
	for _, next := range leadTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Repository persists leads and interactions in core.db
type Repository struct {
	db *sql.DB
}

// NewRepository creates a lead repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new lead in status new
func (r *Repository) Create(ctx context.Context, lead *domain.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = domain.LeadNew
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, name, email, phone, company, status, owner_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.Name, lead.Email, lead.Phone, lead.Company,
		string(lead.Status), lead.OwnerAgent, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

// Get fetches a lead by id, or ErrNotFound
func (r *Repository) Get(ctx context.Context, id string) (*domain.Lead, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, company, status, owner_agent, created_at, updated_at
		FROM leads WHERE id = ?`, id)
	return scanLead(row)
}

// List returns leads, optionally filtered by status
func (r *Repository) List(ctx context.Context, status domain.LeadStatus, limit int) ([]*domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, name, email, phone, company, status, owner_agent, created_at, updated_at FROM leads`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var out []*domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

// Transition moves a lead to a new status, refusing jumps the lifecycle
// does not allow.
func (r *Repository) Transition(ctx context.Context, id string, to domain.LeadStatus) error {
	lead, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(lead.Status, to) {
		return fmt.Errorf("%w: lead %s cannot go %s -> %s", domain.ErrInvariantViolation, id, lead.Status, to)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update lead status: %w", err)
	}
	return nil
}

// AssignOwner hands the lead to a named agent
func (r *Repository) AssignOwner(ctx context.Context, id, agent string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE leads SET owner_agent = ?, updated_at = ? WHERE id = ?`,
		agent, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to assign lead owner: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Erase removes a lead and every dependent record. Sentiment records,
// profiles, interactions and nurturing steps go with it via foreign keys;
// the audit trail (digests only, no personal data) stays.
func (r *Repository) Erase(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to erase lead: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddInteraction appends to the interaction log
func (r *Repository) AddInteraction(ctx context.Context, i *domain.Interaction) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	i.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO interactions (id, lead_id, agent_id, channel, summary, sentiment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.LeadID, i.AgentID, i.Channel, i.Summary, i.SentimentID, i.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

// Interactions returns the interaction log for a lead, newest first
func (r *Repository) Interactions(ctx context.Context, leadID string, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, agent_id, channel, summary, sentiment_id, created_at
		FROM interactions
		WHERE lead_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Interaction
	for rows.Next() {
		var i domain.Interaction
		var summary, sentimentID sql.NullString
		var createdAt int64
		if err := rows.Scan(&i.ID, &i.LeadID, &i.AgentID, &i.Channel, &summary, &sentimentID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		i.Summary = summary.String
		if sentimentID.Valid {
			i.SentimentID = &sentimentID.String
		}
		i.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &i)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row rowScanner) (*domain.Lead, error) {
	var lead domain.Lead
	var email, phone, company, owner sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&lead.ID, &lead.Name, &email, &phone, &company,
		(*string)(&lead.Status), &owner, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	lead.Email = email.String
	lead.Phone = phone.String
	lead.Company = company.String
	lead.OwnerAgent = owner.String
	lead.CreatedAt = time.Unix(createdAt, 0).UTC()
	lead.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &lead, nil
}
