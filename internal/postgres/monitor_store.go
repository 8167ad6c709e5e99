package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeops/courier/internal/domain"
)

// monitorColumns is the full column list for monitor queries.
const monitorColumns = `id, team_id, collection_id, environment_id, name, cron_expr, enabled,
	last_run_id, last_run_at, next_run_at, created_by, created_at, updated_at`

// MonitorStore implements api.MonitorStore backed by Postgres.
type MonitorStore struct {
	pool *pgxpool.Pool
}

// NewMonitorStore creates a MonitorStore backed by the given pool.
func NewMonitorStore(pool *pgxpool.Pool) *MonitorStore {
	return &MonitorStore{pool: pool}
}

func scanMonitor(row pgx.Row) (*domain.Monitor, error) {
	var m domain.Monitor
	err := row.Scan(&m.ID, &m.TeamID, &m.CollectionID, &m.EnvironmentID, &m.Name,
		&m.CronExpr, &m.Enabled, &m.LastRunID, &m.LastRunAt, &m.NextRunAt,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MonitorStore) CreateMonitor(ctx context.Context, m *domain.Monitor, createdBy uuid.UUID) error {
	query := `INSERT INTO monitors (team_id, collection_id, environment_id, name, cron_expr, enabled, next_run_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + monitorColumns

	created, err := scanMonitor(s.pool.QueryRow(ctx, query,
		m.TeamID, m.CollectionID, m.EnvironmentID, m.Name, m.CronExpr, m.Enabled, m.NextRunAt, createdBy))
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	m.ID = created.ID
	m.CreatedBy = created.CreatedBy
	m.CreatedAt = created.CreatedAt
	m.UpdatedAt = created.UpdatedAt
	return nil
}

// GetMonitor returns the monitor by id, or nil when absent.
func (s *MonitorStore) GetMonitor(ctx context.Context, id uuid.UUID) (*domain.Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE id = $1`

	m, err := scanMonitor(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

// ListMonitors returns a team's monitors ordered by creation.
func (s *MonitorStore) ListMonitors(ctx context.Context, teamID uuid.UUID) ([]domain.Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors
		WHERE team_id = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()

	result := []domain.Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// ListEnabledMonitors returns every enabled monitor across all teams.
// The scheduler reloads its cron table from this set.
func (s *MonitorStore) ListEnabledMonitors(ctx context.Context) ([]domain.Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors WHERE enabled ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list enabled monitors: %w", err)
	}
	defer rows.Close()

	result := []domain.Monitor{}
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enabled monitor: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *MonitorStore) UpdateMonitor(ctx context.Context, m *domain.Monitor) error {
	query := `UPDATE monitors SET
		environment_id = $2, name = $3, cron_expr = $4, enabled = $5, next_run_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + monitorColumns

	updated, err := scanMonitor(s.pool.QueryRow(ctx, query,
		m.ID, m.EnvironmentID, m.Name, m.CronExpr, m.Enabled, m.NextRunAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("monitor %s", m.ID)
		}
		return fmt.Errorf("update monitor: %w", err)
	}
	m.UpdatedAt = updated.UpdatedAt
	return nil
}

// RecordMonitorRun stamps the monitor with its latest triggered run and
// the next scheduled fire time.
func (s *MonitorStore) RecordMonitorRun(ctx context.Context, monitorID, runID uuid.UUID, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE monitors SET last_run_id = $2, last_run_at = NOW(), next_run_at = $3, updated_at = NOW()
		 WHERE id = $1`,
		monitorID, runID, nextRunAt)
	if err != nil {
		return fmt.Errorf("record monitor run: %w", err)
	}
	return nil
}

// ScheduleMonitorNextRun sets the next fire time without claiming a run.
// The scheduler uses it to backfill next_run_at on rows that lack one.
func (s *MonitorStore) ScheduleMonitorNextRun(ctx context.Context, monitorID uuid.UUID, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE monitors SET next_run_at = $2, updated_at = NOW() WHERE id = $1`,
		monitorID, nextRunAt)
	if err != nil {
		return fmt.Errorf("schedule monitor next run: %w", err)
	}
	return nil
}

func (s *MonitorStore) DeleteMonitor(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("monitor %s", id)
	}
	return nil
}
