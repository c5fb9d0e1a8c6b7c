package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// activityCap bounds the activity table; older rows are trimmed on insert
const activityCap = 1000

// ActivityEntry is one row of the agent activity feed
type ActivityEntry struct {
	ID          int64                  `json:"id"`
	AgentID     string                 `json:"agent_id"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ActivityLog stores the rolling agent activity feed in runtime.db
type ActivityLog struct {
	db *sql.DB
}

// NewActivityLog creates the activity log
func NewActivityLog(db *sql.DB) *ActivityLog {
	return &ActivityLog{db: db}
}

// Add appends an entry and trims the feed to its cap
func (a *ActivityLog) Add(ctx context.Context, agentID, activityType, status, description string, metadata map[string]interface{}) error {
	var meta interface{}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal activity metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO agent_activity (agent_id, type, status, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, activityType, status, description, meta, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert agent activity: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		DELETE FROM agent_activity
		WHERE id NOT IN (SELECT id FROM agent_activity ORDER BY id DESC LIMIT ?)`,
		activityCap)
	if err != nil {
		return fmt.Errorf("failed to trim agent activity: %w", err)
	}
	return nil
}

// Recent returns the latest entries, optionally for one agent
func (a *ActivityLog) Recent(ctx context.Context, agentID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > activityCap {
		limit = 100
	}

	query := `
		SELECT id, agent_id, type, status, description, metadata, created_at
		FROM agent_activity`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Status, &e.Description, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent activity: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal activity metadata: %w", err)
			}
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
