// Package audit records every autonomous decision in the append-only trail.
// Mutation of existing entries is refused by the storage layer itself.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// retentionMonths is how long entries must be kept before the sweeper may
// drop them to cold storage.
const retentionMonths = 60

// Entry is one decision record
type Entry struct {
	ID                int64                  `json:"id"`
	DecisionType      string                 `json:"decision_type"`
	Actor             string                 `json:"actor"`
	InputDigest       string                 `json:"input_digest"`
	OutputDigest      string                 `json:"output_digest"`
	FeatureImportance map[string]float64     `json:"feature_importance,omitempty"`
	Rationale         string                 `json:"rationale"`
	HumanOverride     bool                   `json:"human_override"`
	CorrelationID     string                 `json:"correlation_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	RetentionUntil    time.Time              `json:"retention_until"`
}

// Decision captures the inputs to Record before digesting
type Decision struct {
	Type              string
	Actor             string
	Input             interface{}
	Output            interface{}
	FeatureImportance map[string]float64
	Rationale         string
	HumanOverride     bool
	CorrelationID     string
}

// Log writes and reads the audit trail in audit.db
type Log struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLog creates the audit log
func NewLog(db *sql.DB, log zerolog.Logger) *Log {
	return &Log{
		db:  db,
		log: log.With().Str("component", "audit_log").Logger(),
	}
}

// Digest hashes an arbitrary value for tamper-evident storage
func Digest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Record appends a decision to the trail
func (l *Log) Record(ctx context.Context, d Decision) error {
	if d.Rationale == "" {
		return fmt.Errorf("audit entry requires a rationale")
	}

	var features interface{}
	if len(d.FeatureImportance) > 0 {
		data, err := json.Marshal(d.FeatureImportance)
		if err != nil {
			return fmt.Errorf("failed to marshal feature importance: %w", err)
		}
		features = string(data)
	}

	override := 0
	if d.HumanOverride {
		override = 1
	}

	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(decision_type, actor, input_digest, output_digest,
			 feature_importance, rationale, human_override, correlation_id,
			 created_at, retention_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Type, d.Actor, Digest(d.Input), Digest(d.Output),
		features, d.Rationale, override, d.CorrelationID,
		now.Unix(), now.AddDate(0, retentionMonths, 0).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns entries of a decision type, newest first. An empty type
// returns all entries.
func (l *Log) List(ctx context.Context, decisionType string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, decision_type, actor, input_digest, output_digest,
		       feature_importance, rationale, human_override, correlation_id,
		       created_at, retention_until
		FROM audit_log`
	args := []interface{}{}
	if decisionType != "" {
		query += ` WHERE decision_type = ?`
		args = append(args, decisionType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var features, correlation sql.NullString
		var override int
		var createdAt, retentionUntil int64

		err := rows.Scan(&e.ID, &e.DecisionType, &e.Actor, &e.InputDigest,
			&e.OutputDigest, &features, &e.Rationale, &override,
			&correlation, &createdAt, &retentionUntil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if features.Valid && features.String != "" {
			if err := json.Unmarshal([]byte(features.String), &e.FeatureImportance); err != nil {
				return nil, fmt.Errorf("failed to unmarshal feature importance: %w", err)
			}
		}
		e.CorrelationID = correlation.String
		e.HumanOverride = override != 0
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.RetentionUntil = time.Unix(retentionUntil, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries for a decision type since a time
func (l *Log) Count(ctx context.Context, decisionType string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE decision_type = ? AND created_at >= ?`,
		decisionType, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}
