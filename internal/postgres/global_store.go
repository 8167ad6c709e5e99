package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeops/courier/internal/domain"
)

// globalColumns is the full column list for global variable queries.
const globalColumns = `id, team_id, key, value, is_secret, is_enabled, created_at, updated_at`

// GlobalStore implements api.GlobalStore backed by Postgres.
type GlobalStore struct {
	pool *pgxpool.Pool
}

// NewGlobalStore creates a GlobalStore backed by the given pool.
func NewGlobalStore(pool *pgxpool.Pool) *GlobalStore {
	return &GlobalStore{pool: pool}
}

func scanGlobal(row pgx.Row) (*domain.GlobalVariable, error) {
	var g domain.GlobalVariable
	err := row.Scan(&g.ID, &g.TeamID, &g.Key, &g.Value, &g.IsSecret, &g.IsEnabled,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGlobals returns a team's global variables ordered by key.
func (s *GlobalStore) ListGlobals(ctx context.Context, teamID uuid.UUID) ([]domain.GlobalVariable, error) {
	query := `SELECT ` + globalColumns + ` FROM global_variables
		WHERE team_id = $1 ORDER BY key`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list globals: %w", err)
	}
	defer rows.Close()

	result := []domain.GlobalVariable{}
	for rows.Next() {
		g, err := scanGlobal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan global: %w", err)
		}
		result = append(result, *g)
	}
	return result, rows.Err()
}

// GetGlobal returns one global variable by id, or nil when absent.
func (s *GlobalStore) GetGlobal(ctx context.Context, id uuid.UUID) (*domain.GlobalVariable, error) {
	query := `SELECT ` + globalColumns + ` FROM global_variables WHERE id = $1`

	g, err := scanGlobal(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get global: %w", err)
	}
	return g, nil
}

// UpsertGlobal inserts or updates the (team, key) entry. The write wins
// over an existing row, matching last-write semantics for shared teams.
func (s *GlobalStore) UpsertGlobal(ctx context.Context, g *domain.GlobalVariable) error {
	query := `INSERT INTO global_variables (team_id, key, value, is_secret, is_enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			is_secret = EXCLUDED.is_secret,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = NOW()
		RETURNING ` + globalColumns

	saved, err := scanGlobal(s.pool.QueryRow(ctx, query,
		g.TeamID, g.Key, g.Value, g.IsSecret, g.IsEnabled))
	if err != nil {
		return fmt.Errorf("upsert global %q: %w", g.Key, err)
	}

	g.ID = saved.ID
	g.CreatedAt = saved.CreatedAt
	g.UpdatedAt = saved.UpdatedAt
	return nil
}

func (s *GlobalStore) DeleteGlobal(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM global_variables WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete global: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("global variable %s", id)
	}
	return nil
}
