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

// environmentColumns is the full column list for environment queries.
const environmentColumns = `id, team_id, name, is_active, created_by, created_at, updated_at`

// EnvironmentStore implements api.EnvironmentStore backed by Postgres.
// Environment variables live in the shared variables table under scope
// ENVIRONMENT; Get and List hydrate them.
type EnvironmentStore struct {
	pool *pgxpool.Pool
}

// NewEnvironmentStore creates an EnvironmentStore backed by the given pool.
func NewEnvironmentStore(pool *pgxpool.Pool) *EnvironmentStore {
	return &EnvironmentStore{pool: pool}
}

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var e domain.Environment
	err := row.Scan(&e.ID, &e.TeamID, &e.Name, &e.IsActive, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *EnvironmentStore) CreateEnvironment(ctx context.Context, e *domain.Environment) error {
	query := `INSERT INTO environments (team_id, name, created_by)
		VALUES ($1, $2, $3)
		RETURNING ` + environmentColumns

	created, err := scanEnvironment(s.pool.QueryRow(ctx, query, e.TeamID, e.Name, e.CreatedBy))
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}

	e.ID = created.ID
	e.IsActive = created.IsActive
	e.CreatedAt = created.CreatedAt
	e.UpdatedAt = created.UpdatedAt

	if len(e.Variables) > 0 {
		vars, err := replaceVariables(ctx, s.pool, domain.ScopeEnvironment, e.ID, e.Variables)
		if err != nil {
			return err
		}
		e.Variables = vars
	}
	return nil
}

// GetEnvironment returns the environment with its variables, or nil when absent.
func (s *EnvironmentStore) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`

	e, err := scanEnvironment(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}

	e.Variables, err = listVariables(ctx, s.pool, domain.ScopeEnvironment, e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetActiveEnvironment returns the team's active environment with its
// variables, or nil when no environment is active.
func (s *EnvironmentStore) GetActiveEnvironment(ctx context.Context, teamID uuid.UUID) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments
		WHERE team_id = $1 AND is_active`

	e, err := scanEnvironment(s.pool.QueryRow(ctx, query, teamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active environment: %w", err)
	}

	e.Variables, err = listVariables(ctx, s.pool, domain.ScopeEnvironment, e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEnvironments returns a team's environments with variables hydrated.
func (s *EnvironmentStore) ListEnvironments(ctx context.Context, teamID uuid.UUID) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments
		WHERE team_id = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	result := []domain.Environment{}
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		result[i].Variables, err = listVariables(ctx, s.pool, domain.ScopeEnvironment, result[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *EnvironmentStore) UpdateEnvironment(ctx context.Context, e *domain.Environment) error {
	query := `UPDATE environments SET name = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + environmentColumns

	updated, err := scanEnvironment(s.pool.QueryRow(ctx, query, e.ID, e.Name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("environment %s", e.ID)
		}
		return fmt.Errorf("update environment: %w", err)
	}
	e.IsActive = updated.IsActive
	e.UpdatedAt = updated.UpdatedAt
	return nil
}

// ReplaceEnvironmentVariables swaps the environment's variable set atomically.
func (s *EnvironmentStore) ReplaceEnvironmentVariables(ctx context.Context, environmentID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error) {
	return replaceVariables(ctx, s.pool, domain.ScopeEnvironment, environmentID, vars)
}

// ActivateEnvironment atomically deactivates the team's current active
// environment and activates the given one. The partial unique index on
// (team_id) WHERE is_active guarantees at most one winner even under
// concurrent activations.
func (s *EnvironmentStore) ActivateEnvironment(ctx context.Context, teamID, environmentID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activate environment tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`UPDATE environments SET is_active = false, updated_at = NOW()
		 WHERE team_id = $1 AND is_active`,
		teamID); err != nil {
		return fmt.Errorf("deactivate current environment: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE environments SET is_active = true, updated_at = NOW()
		 WHERE id = $1 AND team_id = $2`,
		environmentID, teamID)
	if err != nil {
		return fmt.Errorf("activate environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("environment %s", environmentID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit activate environment tx: %w", err)
	}
	return nil
}

// DeleteEnvironment removes the environment and its variable set.
func (s *EnvironmentStore) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete environment tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("environment %s", id)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM variables WHERE scope = $1 AND owner_id = $2`,
		string(domain.ScopeEnvironment), id); err != nil {
		return fmt.Errorf("delete environment variables: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete environment tx: %w", err)
	}
	return nil
}
