// Package carriers owns the carrier roster: scores, coverage, blacklisting.
package carriers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvitali/carovana/internal/domain"
)

// Repository persists carriers in core.db
type Repository struct {
	db *sql.DB
}

// NewRepository creates a carrier repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a carrier
func (r *Repository) Create(ctx context.Context, c *domain.Carrier) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	coverage, err := json.Marshal(c.Coverage)
	if err != nil {
		return fmt.Errorf("failed to marshal coverage: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO carriers
			(id, name, mode, on_time_rate, reliability, wallet_address,
			 coverage, response_minutes, enabled, blacklisted_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Mode, c.OnTimeRate, c.Reliability, c.WalletAddress,
		string(coverage), c.ResponseMinutes, boolToInt(c.Enabled),
		nullTime(c.BlacklistedUntil), c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert carrier: %w", err)
	}
	return nil
}

// Get fetches a carrier by id, or ErrNotFound
func (r *Repository) Get(ctx context.Context, id string) (*domain.Carrier, error) {
	row := r.db.QueryRowContext(ctx, selectCarrier+` WHERE id = ?`, id)
	return scanCarrier(row)
}

// List returns all carriers
func (r *Repository) List(ctx context.Context) ([]*domain.Carrier, error) {
	rows, err := r.db.QueryContext(ctx, selectCarrier+` ORDER BY reliability DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query carriers: %w", err)
	}
	defer rows.Close()
	return collectCarriers(rows)
}

// ListAvailable returns enabled, non-blacklisted carriers ordered by
// reliability. Candidates for failover selection.
func (r *Repository) ListAvailable(ctx context.Context, now time.Time) ([]*domain.Carrier, error) {
	rows, err := r.db.QueryContext(ctx, selectCarrier+`
		WHERE enabled = 1
		  AND (blacklisted_until IS NULL OR blacklisted_until <= ?)
		ORDER BY reliability DESC, on_time_rate DESC, id ASC`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query available carriers: %w", err)
	}
	defer rows.Close()
	return collectCarriers(rows)
}

// UpdateScores writes fresh KPI values
func (r *Repository) UpdateScores(ctx context.Context, id string, onTimeRate, reliability float64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE carriers SET on_time_rate = ?, reliability = ? WHERE id = ?`,
		onTimeRate, reliability, id)
	if err != nil {
		return fmt.Errorf("failed to update carrier scores: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Blacklist bars a carrier from new work until the given time
func (r *Repository) Blacklist(ctx context.Context, id string, until time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE carriers SET blacklisted_until = ? WHERE id = ?`, until.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to blacklist carrier: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetEnabled flips a carrier on or off
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE carriers SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update carrier enabled flag: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectCarrier = `
	SELECT id, name, mode, on_time_rate, reliability, wallet_address,
	       coverage, response_minutes, enabled, blacklisted_until, created_at
	FROM carriers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCarrier(row rowScanner) (*domain.Carrier, error) {
	var c domain.Carrier
	var wallet, coverage sql.NullString
	var enabled int
	var blacklistedUntil sql.NullInt64
	var createdAt int64

	err := row.Scan(&c.ID, &c.Name, &c.Mode, &c.OnTimeRate, &c.Reliability,
		&wallet, &coverage, &c.ResponseMinutes, &enabled, &blacklistedUntil, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan carrier: %w", err)
	}

	c.WalletAddress = wallet.String
	if coverage.Valid && coverage.String != "" {
		if err := json.Unmarshal([]byte(coverage.String), &c.Coverage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal coverage: %w", err)
		}
	}
	c.Enabled = enabled != 0
	if blacklistedUntil.Valid {
		t := time.Unix(blacklistedUntil.Int64, 0).UTC()
		c.BlacklistedUntil = &t
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

func collectCarriers(rows *sql.Rows) ([]*domain.Carrier, error) {
	var out []*domain.Carrier
	for rows.Next() {
		c, err := scanCarrier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
