package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeops/courier/internal/domain"
)

// retentionSettingKey is the platform_settings key holding RetentionConfig.
const retentionSettingKey = "retention"

// SettingsStore implements api.SettingsStore backed by Postgres.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore creates a SettingsStore backed by the given pool.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// GetSetting returns the JSONB value for a given key from platform_settings.
func (s *SettingsStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM platform_settings WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("setting %q not found", key)
		}
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// PutSetting upserts a JSONB value for a given key in platform_settings.
func (s *SettingsStore) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// GetRetentionConfig returns the stored retention settings, falling back
// to defaults when the key is missing or malformed.
func (s *SettingsStore) GetRetentionConfig(ctx context.Context) (domain.RetentionConfig, error) {
	raw, err := s.GetSetting(ctx, retentionSettingKey)
	if err != nil {
		return domain.DefaultRetentionConfig(), nil
	}

	var cfg domain.RetentionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.DefaultRetentionConfig(), fmt.Errorf("unmarshal retention config: %w", err)
	}
	return cfg, nil
}

// PutRetentionConfig writes the retention settings to platform_settings.
func (s *SettingsStore) PutRetentionConfig(ctx context.Context, cfg domain.RetentionConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal retention config: %w", err)
	}
	return s.PutSetting(ctx, retentionSettingKey, raw)
}

// GetReaperStatus returns the singleton reaper status row.
func (s *SettingsStore) GetReaperStatus(ctx context.Context) (*domain.ReaperStatus, error) {
	var status domain.ReaperStatus
	err := s.pool.QueryRow(ctx,
		`SELECT last_run_at, history_pruned, runs_pruned, runs_orphaned, overflow_pruned, updated_at
		 FROM reaper_status WHERE id = 1`,
	).Scan(&status.LastRunAt, &status.HistoryPruned, &status.RunsPruned,
		&status.RunsOrphaned, &status.OverflowPruned, &status.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get reaper status: %w", err)
	}
	return &status, nil
}

// UpdateReaperStatus updates the singleton reaper status row with the
// latest sweep stats.
func (s *SettingsStore) UpdateReaperStatus(ctx context.Context, status *domain.ReaperStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE reaper_status SET
			last_run_at = NOW(),
			history_pruned = $1,
			runs_pruned = $2,
			runs_orphaned = $3,
			overflow_pruned = $4,
			updated_at = NOW()
		 WHERE id = 1`,
		status.HistoryPruned, status.RunsPruned, status.RunsOrphaned, status.OverflowPruned,
	)
	if err != nil {
		return fmt.Errorf("update reaper status: %w", err)
	}
	return nil
}
