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

// runColumns is the full column list for run queries.
const runColumns = `id, team_id, collection_id, environment_id, status, total_requests,
	passed_requests, failed_requests, total_assertions, passed_assertions,
	failed_assertions, total_duration_ms, iteration_count, delay_between_requests_ms,
	data_filename, error, orphaned, started_at, completed_at, created_by, created_at`

// iterationColumns is the full column list for run iteration queries.
const iterationColumns = `id, run_id, iteration_number, request_name, method, url,
	response_status, response_size_bytes, response_time_ms, passed, assertion_results,
	error, created_at`

// RunFilter narrows run listings. Zero values mean "any".
type RunFilter struct {
	TeamID       uuid.UUID
	CollectionID *uuid.UUID
	Status       string
	Limit        int
	Offset       int
}

// RunStore implements api.RunStore and the runner's persistence backed by
// Postgres.
type RunStore struct {
	pool     *pgxpool.Pool
	EventBus EventBus // optional — publishes run_progress/run_completed events when set
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// CreateRun inserts a new run row. The runner assigns the id up front so
// the registry, history rows, and API response all agree before commit.
func (s *RunStore) CreateRun(ctx context.Context, run *domain.RunResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, team_id, collection_id, environment_id, status,
			iteration_count, delay_between_requests_ms, data_filename, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.TeamID, run.CollectionID, run.EnvironmentID, string(run.Status),
		run.IterationCount, run.DelayBetweenRequestsMs, textPtrToNullable(run.DataFilename),
		run.CreatedBy, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun writes the run's current counters and status. Terminal
// transitions additionally publish a run_completed event; non-terminal
// updates publish run_progress so SSE watchers wake promptly.
func (s *RunStore) UpdateRun(ctx context.Context, run *domain.RunResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
			status = $2, total_requests = $3, passed_requests = $4, failed_requests = $5,
			total_assertions = $6, passed_assertions = $7, failed_assertions = $8,
			total_duration_ms = $9, error = $10, orphaned = $11, started_at = $12,
			completed_at = $13
		 WHERE id = $1`,
		run.ID, string(run.Status), run.TotalRequests, run.PassedRequests, run.FailedRequests,
		run.TotalAssertions, run.PassedAssertions, run.FailedAssertions,
		run.TotalDurationMs, textPtrToNullable(run.Error), run.Orphaned, run.StartedAt,
		run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("run %s", run.ID)
	}

	// Best-effort: event publishing failure never fails the status write.
	if s.EventBus != nil {
		channel := ChannelRunProgress
		if run.Status.IsTerminal() {
			channel = ChannelRunCompleted
		}
		_ = s.EventBus.Publish(ctx, channel, RunEventPayload{
			RunID:        run.ID.String(),
			CollectionID: run.CollectionID.String(),
			Status:       string(run.Status),
		})
	}
	return nil
}

// GetRun returns one run by id, or nil when absent.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.RunResult, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// runWhereClause builds the shared WHERE clause and args for run
// list/count queries.
func runWhereClause(filter RunFilter) (string, []interface{}, int) {
	where := ` WHERE team_id = $1`
	args := []interface{}{filter.TeamID}
	argN := 2

	if filter.CollectionID != nil {
		where += fmt.Sprintf(" AND collection_id = $%d", argN)
		args = append(args, *filter.CollectionID)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	return where, args, argN
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunResult, error) {
	where, args, argN := runWhereClause(filter)
	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.RunResult{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// CountRuns returns the total count matching the filter (ignoring Limit/Offset).
func (s *RunStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	where, args, _ := runWhereClause(filter)
	query := `SELECT COUNT(*) FROM runs` + where

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

// CountActiveRuns returns how many of a team's runs are PENDING or RUNNING.
func (s *RunStore) CountActiveRuns(ctx context.Context, teamID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE team_id = $1 AND status IN ('PENDING', 'RUNNING')`,
		teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return count, nil
}

// InsertIteration appends one per-request iteration record.
func (s *RunStore) InsertIteration(ctx context.Context, iter *domain.RunIteration) error {
	results, err := marshalJSONB(iter.AssertionResults, "assertion results")
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_iterations (id, run_id, iteration_number, request_name, method,
			url, response_status, response_size_bytes, response_time_ms, passed,
			assertion_results, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		iter.ID, iter.RunID, iter.IterationNumber, iter.RequestName, iter.Method,
		iter.URL, iter.ResponseStatus, iter.ResponseSizeBytes, iter.ResponseTimeMs,
		iter.Passed, results, textPtrToNullable(iter.Error), iter.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// ListIterations returns a run's iteration records in execution order.
func (s *RunStore) ListIterations(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.RunIteration, error) {
	query := `SELECT ` + iterationColumns + ` FROM run_iterations
		WHERE run_id = $1 ORDER BY created_at, iteration_number`
	args := []interface{}{runID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	result := []domain.RunIteration{}
	for rows.Next() {
		var (
			iter    domain.RunIteration
			results []byte
			errText pgtype.Text
		)
		if err := rows.Scan(&iter.ID, &iter.RunID, &iter.IterationNumber, &iter.RequestName,
			&iter.Method, &iter.URL, &iter.ResponseStatus, &iter.ResponseSizeBytes,
			&iter.ResponseTimeMs, &iter.Passed, &results, &errText, &iter.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		iter.Error = nullableTextToPtr(errText)
		if err := unmarshalJSONB(results, &iter.AssertionResults, "assertion results"); err != nil {
			return nil, err
		}
		result = append(result, iter)
	}
	return result, rows.Err()
}

// CountIterations returns the number of iteration records for a run.
func (s *RunStore) CountIterations(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_iterations WHERE run_id = $1`, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count iterations: %w", err)
	}
	return count, nil
}

// ListStuckRuns returns PENDING or RUNNING runs created before the cutoff.
// The reaper marks them orphaned after a crash or restart strands them.
func (s *RunStore) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.RunResult, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status IN ('PENDING', 'RUNNING') AND created_at < $1`

	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck runs: %w", err)
	}
	defer rows.Close()

	result := []domain.RunResult{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// MarkRunOrphaned transitions a stranded run to FAILED with the orphaned
// flag set, guarded so a run that finished in the meantime is untouched.
func (s *RunStore) MarkRunOrphaned(ctx context.Context, runID uuid.UUID, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, orphaned = true, error = $3, completed_at = NOW()
		 WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`,
		runID, string(domain.RunFailed), errMsg)
	if err != nil {
		return false, fmt.Errorf("mark run orphaned: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteRunsOlderThan prunes terminal runs past the retention window.
// Iterations cascade with the run rows.
func (s *RunStore) DeleteRunsOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE created_at < $1 AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRun(row pgx.Row) (*domain.RunResult, error) {
	var (
		run          domain.RunResult
		status       string
		dataFilename pgtype.Text
		errText      pgtype.Text
	)
	err := row.Scan(&run.ID, &run.TeamID, &run.CollectionID, &run.EnvironmentID, &status,
		&run.TotalRequests, &run.PassedRequests, &run.FailedRequests,
		&run.TotalAssertions, &run.PassedAssertions, &run.FailedAssertions,
		&run.TotalDurationMs, &run.IterationCount, &run.DelayBetweenRequestsMs,
		&dataFilename, &errText, &run.Orphaned, &run.StartedAt, &run.CompletedAt,
		&run.CreatedBy, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.DataFilename = nullableTextToPtr(dataFilename)
	run.Error = nullableTextToPtr(errText)
	return &run, nil
}
