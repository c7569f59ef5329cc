package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/headline-goat/autowinner/internal/scheduler"
)

const schedulerConfigKey = "scheduler_config"

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// LoadSchedulerConfig returns the persisted scheduler configuration, or
// ErrNotFound when none was saved.
func (s *SQLiteStore) LoadSchedulerConfig(ctx context.Context) (scheduler.Config, error) {
	raw, err := s.GetSetting(ctx, schedulerConfigKey)
	if err != nil {
		return scheduler.Config{}, err
	}
	var cfg scheduler.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return scheduler.Config{}, fmt.Errorf("failed to unmarshal scheduler config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) SaveSchedulerConfig(ctx context.Context, cfg scheduler.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduler config: %w", err)
	}
	return s.SetSetting(ctx, schedulerConfigKey, string(raw))
}
