package sentiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/domain"
)

// SQLRepository persists sentiment records in core.db
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a sentiment repository
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Create inserts a sentiment record
func (r *SQLRepository) Create(ctx context.Context, record *domain.SentimentRecord) error {
	emotions, err := json.Marshal(record.Emotions)
	if err != nil {
		return fmt.Errorf("failed to marshal emotions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sentiment_records
			(id, lead_id, call_id, score, emotions, dominant_emotion,
			 confidence, method, requires_escalation, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.LeadID, record.CallID, record.Score, string(emotions),
		record.DominantEmotion, record.Confidence, string(record.Method),
		boolToInt(record.RequiresEscalation), record.AnalyzedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sentiment record: %w", err)
	}
	return nil
}

// GetByCallID fetches the record for a call, or ErrNotFound
func (r *SQLRepository) GetByCallID(ctx context.Context, callID string) (*domain.SentimentRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, lead_id, call_id, score, emotions, dominant_emotion,
		       confidence, method, requires_escalation, analyzed_at
		FROM sentiment_records
		WHERE call_id = ?`, callID)
	return scanRecord(row)
}

// ListByLead returns the most recent records for a lead
func (r *SQLRepository) ListByLead(ctx context.Context, leadID string, limit int) ([]*domain.SentimentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, call_id, score, emotions, dominant_emotion,
		       confidence, method, requires_escalation, analyzed_at
		FROM sentiment_records
		WHERE lead_id = ?
		ORDER BY analyzed_at DESC
		LIMIT ?`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sentiment records: %w", err)
	}
	defer rows.Close()

	var records []*domain.SentimentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*domain.SentimentRecord, error) {
	var record domain.SentimentRecord
	var emotions string
	var escalation int
	var analyzedAt int64

	err := row.Scan(&record.ID, &record.LeadID, &record.CallID, &record.Score,
		&emotions, &record.DominantEmotion, &record.Confidence,
		(*string)(&record.Method), &escalation, &analyzedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sentiment record: %w", err)
	}

	if err := json.Unmarshal([]byte(emotions), &record.Emotions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal emotions: %w", err)
	}
	record.RequiresEscalation = escalation != 0
	record.AnalyzedAt = time.Unix(analyzedAt, 0).UTC()

	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
