// Package settings persists runtime-tunable key/value settings in config.db.
// Values set here override environment defaults without a restart.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Well-known setting keys
const (
	KeyPromotionMode = "promotion_mode"
)

// Service reads and writes settings
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewService creates the settings service
func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "settings").Logger(),
	}
}

// Get returns a setting value, or the fallback when unset
func (s *Service) Get(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// GetBool returns a boolean setting, or the fallback when unset or malformed
func (s *Service) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.Get(ctx, key, strconv.FormatBool(fallback))
	if err != nil {
		return false, err
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, nil
	}
	return parsed, nil
}

// Set upserts a setting
func (s *Service) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	s.log.Info().Str("key", key).Str("value", value).Msg("Setting updated")
	return nil
}

// SetBool upserts a boolean setting
func (s *Service) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}

// Toggle flips a boolean setting and returns the new value. fallback is the
// value an unset key is assumed to hold before the flip.
func (s *Service) Toggle(ctx context.Context, key string, fallback bool) (bool, error) {
	current, err := s.GetBool(ctx, key, fallback)
	if err != nil {
		return false, err
	}
	if err := s.SetBool(ctx, key, !current); err != nil {
		return false, err
	}
	return !current, nil
}

// All returns every stored setting
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
