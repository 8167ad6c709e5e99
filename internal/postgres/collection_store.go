package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeops/courier/internal/domain"
)

// collectionColumns is the full column list for collection queries.
const collectionColumns = `id, team_id, name, description, auth_type, auth_config, scripts,
	created_by, created_at, updated_at`

// CollectionStore implements api.CollectionStore and the runner's tree
// loading backed by Postgres.
type CollectionStore struct {
	pool *pgxpool.Pool
}

// NewCollectionStore creates a CollectionStore backed by the given pool.
func NewCollectionStore(pool *pgxpool.Pool) *CollectionStore {
	return &CollectionStore{pool: pool}
}

// scanCollection scans a single collection row into domain.Collection.
func scanCollection(row pgx.Row) (*domain.Collection, error) {
	var (
		c          domain.Collection
		authType   string
		authConfig []byte
		scripts    []byte
	)
	err := row.Scan(&c.ID, &c.TeamID, &c.Name, &c.Description, &authType, &authConfig,
		&scripts, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AuthType = domain.AuthType(authType)
	c.AuthConfig = authConfig
	if err := unmarshalJSONB(scripts, &c.Scripts, "collection scripts"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CollectionStore) CreateCollection(ctx context.Context, c *domain.Collection) error {
	scripts, err := marshalJSONB(c.Scripts, "collection scripts")
	if err != nil {
		return err
	}
	authConfig, err := marshalJSONB(c.AuthConfig, "collection auth config")
	if err != nil {
		return err
	}
	if c.AuthType == "" {
		c.AuthType = domain.AuthNone
	}

	query := `INSERT INTO collections (team_id, name, description, auth_type, auth_config, scripts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + collectionColumns

	created, err := scanCollection(s.pool.QueryRow(ctx, query,
		c.TeamID, c.Name, c.Description, string(c.AuthType), authConfig, scripts, c.CreatedBy))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("collection %q: %w", c.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create collection: %w", err)
	}

	c.ID = created.ID
	c.CreatedAt = created.CreatedAt
	c.UpdatedAt = created.UpdatedAt
	return nil
}

// GetCollection returns the collection by id, or nil when absent.
func (s *CollectionStore) GetCollection(ctx context.Context, id uuid.UUID) (*domain.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE id = $1`

	c, err := scanCollection(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

func (s *CollectionStore) ListCollections(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]domain.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections
		WHERE team_id = $1 ORDER BY created_at DESC`
	args := []interface{}{teamID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	result := []domain.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// CountCollections returns the total count for a team (ignoring pagination).
func (s *CollectionStore) CountCollections(ctx context.Context, teamID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM collections WHERE team_id = $1`, teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count collections: %w", err)
	}
	return count, nil
}

func (s *CollectionStore) UpdateCollection(ctx context.Context, c *domain.Collection) error {
	scripts, err := marshalJSONB(c.Scripts, "collection scripts")
	if err != nil {
		return err
	}
	authConfig, err := marshalJSONB(c.AuthConfig, "collection auth config")
	if err != nil {
		return err
	}

	query := `UPDATE collections SET
		name = $2, description = $3, auth_type = $4, auth_config = $5, scripts = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + collectionColumns

	updated, err := scanCollection(s.pool.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, string(c.AuthType), authConfig, scripts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("collection %s", c.ID)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("collection %q: %w", c.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("update collection: %w", err)
	}
	c.UpdatedAt = updated.UpdatedAt
	return nil
}

// DeleteCollection removes the collection and, via FK cascades, its
// folders and requests. Collection-scoped variables are cleaned here
// since they reference the owner without a FK.
func (s *CollectionStore) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete collection tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("collection %s", id)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM variables WHERE scope = $1 AND owner_id = $2`,
		string(domain.ScopeCollection), id); err != nil {
		return fmt.Errorf("delete collection variables: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete collection tx: %w", err)
	}
	return nil
}

// ListCollectionVariables returns the collection-scoped variable set.
func (s *CollectionStore) ListCollectionVariables(ctx context.Context, collectionID uuid.UUID) ([]domain.Variable, error) {
	return listVariables(ctx, s.pool, domain.ScopeCollection, collectionID)
}

// ReplaceCollectionVariables swaps the collection's variable set atomically.
func (s *CollectionStore) ReplaceCollectionVariables(ctx context.Context, collectionID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error) {
	return replaceVariables(ctx, s.pool, domain.ScopeCollection, collectionID, vars)
}

// listVariables loads one (scope, owner) variable set ordered by key.
func listVariables(ctx context.Context, pool *pgxpool.Pool, scope domain.VariableScope, ownerID uuid.UUID) ([]domain.Variable, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, scope, owner_id, key, value, is_secret, is_enabled, created_at, updated_at
		 FROM variables WHERE scope = $1 AND owner_id = $2 ORDER BY key`,
		string(scope), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s variables: %w", scope, err)
	}
	defer rows.Close()

	result := []domain.Variable{}
	for rows.Next() {
		var (
			v      domain.Variable
			vScope string
		)
		if err := rows.Scan(&v.ID, &vScope, &v.OwnerID, &v.Key, &v.Value,
			&v.IsSecret, &v.IsEnabled, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		v.Scope = domain.VariableScope(vScope)
		result = append(result, v)
	}
	return result, rows.Err()
}

// replaceVariables deletes and re-inserts one (scope, owner) variable set
// in a single transaction, so readers never observe a partial swap.
func replaceVariables(ctx context.Context, pool *pgxpool.Pool, scope domain.VariableScope, ownerID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace variables tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`DELETE FROM variables WHERE scope = $1 AND owner_id = $2`,
		string(scope), ownerID); err != nil {
		return nil, fmt.Errorf("clear %s variables: %w", scope, err)
	}

	result := make([]domain.Variable, 0, len(vars))
	for _, v := range vars {
		var (
			out    domain.Variable
			vScope string
		)
		err := tx.QueryRow(ctx,
			`INSERT INTO variables (scope, owner_id, key, value, is_secret, is_enabled)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id, scope, owner_id, key, value, is_secret, is_enabled, created_at, updated_at`,
			string(scope), ownerID, v.Key, v.Value, v.IsSecret, v.IsEnabled,
		).Scan(&out.ID, &vScope, &out.OwnerID, &out.Key, &out.Value,
			&out.IsSecret, &out.IsEnabled, &out.CreatedAt, &out.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert %s variable %q: %w", scope, v.Key, err)
		}
		out.Scope = domain.VariableScope(vScope)
		result = append(result, out)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace variables tx: %w", err)
	}
	return result, nil
}
