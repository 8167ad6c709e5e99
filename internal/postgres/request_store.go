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

// requestColumns is the full column list for request queries.
const requestColumns = `id, collection_id, folder_id, name, method, url, sort_order,
	headers, query_params, body, auth_type, auth_config, scripts, created_at, updated_at`

// RequestStore implements api.RequestStore backed by Postgres.
type RequestStore struct {
	pool *pgxpool.Pool
}

// NewRequestStore creates a RequestStore backed by the given pool.
func NewRequestStore(pool *pgxpool.Pool) *RequestStore {
	return &RequestStore{pool: pool}
}

// scanRequest scans a single request row into domain.RequestDef. The
// folder_id column is NULL for collection-root requests; the domain model
// carries uuid.Nil there.
func scanRequest(row pgx.Row) (*domain.RequestDef, error) {
	var (
		r           domain.RequestDef
		folderID    *uuid.UUID
		method      string
		authType    string
		headers     []byte
		queryParams []byte
		body        []byte
		authConfig  []byte
		scripts     []byte
	)
	err := row.Scan(&r.ID, &r.CollectionID, &folderID, &r.Name, &method, &r.URL,
		&r.SortOrder, &headers, &queryParams, &body, &authType, &authConfig,
		&scripts, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.FolderID = zeroIfNilUUID(folderID)
	r.Method = domain.HTTPMethod(method)
	r.AuthType = domain.AuthType(authType)
	r.AuthConfig = authConfig
	if err := unmarshalJSONB(headers, &r.Headers, "request headers"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(queryParams, &r.QueryParams, "request query params"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(body, &r.Body, "request body"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(scripts, &r.Scripts, "request scripts"); err != nil {
		return nil, err
	}
	return &r, nil
}

// requestJSONB marshals the request's JSONB column values.
func requestJSONB(r *domain.RequestDef) (headers, queryParams, body, authConfig, scripts []byte, err error) {
	if headers, err = marshalJSONB(r.Headers, "request headers"); err != nil {
		return
	}
	if queryParams, err = marshalJSONB(r.QueryParams, "request query params"); err != nil {
		return
	}
	if r.Body != nil {
		if body, err = marshalJSONB(r.Body, "request body"); err != nil {
			return
		}
	}
	if authConfig, err = marshalJSONB(r.AuthConfig, "request auth config"); err != nil {
		return
	}
	scripts, err = marshalJSONB(r.Scripts, "request scripts")
	return
}

func (s *RequestStore) CreateRequest(ctx context.Context, r *domain.RequestDef) error {
	headers, queryParams, body, authConfig, scripts, err := requestJSONB(r)
	if err != nil {
		return err
	}
	if r.AuthType == "" {
		r.AuthType = domain.DefaultRequestAuth()
	}

	query := `INSERT INTO requests (collection_id, folder_id, name, method, url, sort_order,
			headers, query_params, body, auth_type, auth_config, scripts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + requestColumns

	created, err := scanRequest(s.pool.QueryRow(ctx, query,
		r.CollectionID, nilIfZeroUUID(r.FolderID), r.Name, string(r.Method), r.URL,
		r.SortOrder, headers, queryParams, body, string(r.AuthType), authConfig, scripts))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	r.ID = created.ID
	r.CreatedAt = created.CreatedAt
	r.UpdatedAt = created.UpdatedAt
	return nil
}

// GetRequest returns the request by id, or nil when absent.
func (s *RequestStore) GetRequest(ctx context.Context, id uuid.UUID) (*domain.RequestDef, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	r, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// ListRequests returns every request in a collection; the runner and tree
// views order them within their folders.
func (s *RequestStore) ListRequests(ctx context.Context, collectionID uuid.UUID) ([]domain.RequestDef, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE collection_id = $1 ORDER BY sort_order, created_at`

	rows, err := s.pool.Query(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	result := []domain.RequestDef{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *RequestStore) UpdateRequest(ctx context.Context, r *domain.RequestDef) error {
	headers, queryParams, body, authConfig, scripts, err := requestJSONB(r)
	if err != nil {
		return err
	}

	query := `UPDATE requests SET
		folder_id = $2, name = $3, method = $4, url = $5, sort_order = $6,
		headers = $7, query_params = $8, body = $9, auth_type = $10,
		auth_config = $11, scripts = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + requestColumns

	updated, err := scanRequest(s.pool.QueryRow(ctx, query,
		r.ID, nilIfZeroUUID(r.FolderID), r.Name, string(r.Method), r.URL, r.SortOrder,
		headers, queryParams, body, string(r.AuthType), authConfig, scripts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("request %s", r.ID)
		}
		return fmt.Errorf("update request: %w", err)
	}
	r.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *RequestStore) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("request %s", id)
	}
	return nil
}
