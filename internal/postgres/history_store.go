package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeops/courier/internal/domain"
)

// historyColumns is the full column list for request history queries.
const historyColumns = `id, team_id, user_id, method, url, request_headers, request_body,
	request_body_truncated, response_status, response_headers, response_body,
	response_body_truncated, body_overflow_key, response_size_bytes, duration_ms,
	content_type, error, collection_id, request_id, environment_id, run_id, created_at`

// HistoryFilter narrows history listings. Zero values mean "any".
type HistoryFilter struct {
	TeamID       uuid.UUID
	UserID       *uuid.UUID
	CollectionID *uuid.UUID
	RunID        *uuid.UUID
	Method       string
	Status       int    // exact response status
	Query        string // substring match on URL
	Limit        int
	Offset       int
}

// HistoryStore implements api.HistoryStore and the proxy recorder's sink
// backed by Postgres. History rows are append-only.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// InsertHistory appends one history record. The recorder assigns the id
// and created_at so the row matches what the proxy response reported.
// A replay with an id already on file is a no-op; rows are immutable.
func (s *HistoryStore) InsertHistory(ctx context.Context, h *domain.RequestHistory) error {
	reqHeaders, err := marshalJSONB(h.RequestHeaders, "history request headers")
	if err != nil {
		return err
	}
	respHeaders, err := marshalJSONB(h.ResponseHeaders, "history response headers")
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO request_history (id, team_id, user_id, method, url, request_headers,
			request_body, request_body_truncated, response_status, response_headers,
			response_body, response_body_truncated, body_overflow_key, response_size_bytes,
			duration_ms, content_type, error, collection_id, request_id, environment_id,
			run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO NOTHING`,
		h.ID, h.TeamID, h.UserID, h.Method, h.URL, reqHeaders,
		textPtrToNullable(h.RequestBody), h.RequestBodyTruncated, h.ResponseStatus, respHeaders,
		textPtrToNullable(h.ResponseBody), h.ResponseBodyTruncated, textPtrToNullable(h.BodyOverflowKey),
		h.ResponseSizeBytes, h.DurationMs, textPtrToNullable(h.ContentType),
		textPtrToNullable(h.ErrorMarker), h.CollectionID, h.RequestID, h.EnvironmentID,
		h.RunID, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// GetHistory returns one history record by id, or nil when absent.
func (s *HistoryStore) GetHistory(ctx context.Context, id uuid.UUID) (*domain.RequestHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM request_history WHERE id = $1`

	h, err := scanHistory(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get history: %w", err)
	}
	return h, nil
}

// historyWhereClause builds the shared WHERE clause and args for history
// list/count queries.
func historyWhereClause(filter HistoryFilter) (string, []interface{}, int) {
	where := ` WHERE team_id = $1`
	args := []interface{}{filter.TeamID}
	argN := 2

	if filter.UserID != nil {
		where += fmt.Sprintf(" AND user_id = $%d", argN)
		args = append(args, *filter.UserID)
		argN++
	}
	if filter.CollectionID != nil {
		where += fmt.Sprintf(" AND collection_id = $%d", argN)
		args = append(args, *filter.CollectionID)
		argN++
	}
	if filter.RunID != nil {
		where += fmt.Sprintf(" AND run_id = $%d", argN)
		args = append(args, *filter.RunID)
		argN++
	}
	if filter.Method != "" {
		where += fmt.Sprintf(" AND method = $%d", argN)
		args = append(args, filter.Method)
		argN++
	}
	if filter.Status != 0 {
		where += fmt.Sprintf(" AND response_status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Query != "" {
		where += fmt.Sprintf(" AND url ILIKE $%d", argN)
		args = append(args, "%"+filter.Query+"%")
		argN++
	}
	return where, args, argN
}

// ListHistory returns history records newest first.
func (s *HistoryStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]domain.RequestHistory, error) {
	where, args, argN := historyWhereClause(filter)
	query := `SELECT ` + historyColumns + ` FROM request_history` + where + ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	result := []domain.RequestHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

// CountHistory returns the total count matching the filter (ignoring Limit/Offset).
func (s *HistoryStore) CountHistory(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args, _ := historyWhereClause(filter)
	query := `SELECT COUNT(*) FROM request_history` + where

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// DeleteHistoryOlderThan prunes history past the retention window and
// returns the overflow object keys of the deleted rows so the caller can
// clean up object storage.
func (s *HistoryStore) DeleteHistoryOlderThan(ctx context.Context, olderThan time.Time) (int, []string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM request_history WHERE created_at < $1 RETURNING body_overflow_key`,
		olderThan)
	if err != nil {
		return 0, nil, fmt.Errorf("delete old history: %w", err)
	}
	defer rows.Close()

	deleted := 0
	var overflowKeys []string
	for rows.Next() {
		var key pgtype.Text
		if err := rows.Scan(&key); err != nil {
			return deleted, overflowKeys, fmt.Errorf("scan deleted history: %w", err)
		}
		deleted++
		if key.Valid && key.String != "" {
			overflowKeys = append(overflowKeys, key.String)
		}
	}
	return deleted, overflowKeys, rows.Err()
}

func scanHistory(row pgx.Row) (*domain.RequestHistory, error) {
	var (
		h           domain.RequestHistory
		reqHeaders  []byte
		respHeaders []byte
		reqBody     pgtype.Text
		respBody    pgtype.Text
		overflowKey pgtype.Text
		contentType pgtype.Text
		errMarker   pgtype.Text
	)
	err := row.Scan(&h.ID, &h.TeamID, &h.UserID, &h.Method, &h.URL, &reqHeaders,
		&reqBody, &h.RequestBodyTruncated, &h.ResponseStatus, &respHeaders,
		&respBody, &h.ResponseBodyTruncated, &overflowKey, &h.ResponseSizeBytes,
		&h.DurationMs, &contentType, &errMarker, &h.CollectionID, &h.RequestID,
		&h.EnvironmentID, &h.RunID, &h.CreatedAt)
	if err != nil {
		return nil, err
	}

	h.RequestBody = nullableTextToPtr(reqBody)
	h.ResponseBody = nullableTextToPtr(respBody)
	h.BodyOverflowKey = nullableTextToPtr(overflowKey)
	h.ContentType = nullableTextToPtr(contentType)
	h.ErrorMarker = nullableTextToPtr(errMarker)
	if err := unmarshalJSONB(reqHeaders, &h.RequestHeaders, "history request headers"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(respHeaders, &h.ResponseHeaders, "history response headers"); err != nil {
		return nil, err
	}
	return &h, nil
}
