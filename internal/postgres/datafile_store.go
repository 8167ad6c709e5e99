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

// dataFileColumns is the full column list for data file queries.
const dataFileColumns = `id, team_id, filename, content_type, size_bytes, row_count, uploaded_by, created_at`

// DataFileStore implements api.DataFileStore backed by Postgres. Rows are
// catalog entries; the file content lives in object storage.
type DataFileStore struct {
	pool *pgxpool.Pool
}

// NewDataFileStore creates a DataFileStore backed by the given pool.
func NewDataFileStore(pool *pgxpool.Pool) *DataFileStore {
	return &DataFileStore{pool: pool}
}

func scanDataFile(row pgx.Row) (*domain.DataFile, error) {
	var f domain.DataFile
	err := row.Scan(&f.ID, &f.TeamID, &f.Filename, &f.ContentType, &f.SizeBytes,
		&f.RowCount, &f.UploadedBy, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *DataFileStore) InsertDataFile(ctx context.Context, f *domain.DataFile) error {
	query := `INSERT INTO data_files (team_id, filename, content_type, size_bytes, row_count, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + dataFileColumns

	created, err := scanDataFile(s.pool.QueryRow(ctx, query,
		f.TeamID, f.Filename, f.ContentType, f.SizeBytes, f.RowCount, f.UploadedBy))
	if err != nil {
		return fmt.Errorf("insert data file: %w", err)
	}

	f.ID = created.ID
	f.CreatedAt = created.CreatedAt
	return nil
}

// GetDataFile returns the catalog entry by id, or nil when absent.
func (s *DataFileStore) GetDataFile(ctx context.Context, id uuid.UUID) (*domain.DataFile, error) {
	query := `SELECT ` + dataFileColumns + ` FROM data_files WHERE id = $1`

	f, err := scanDataFile(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get data file: %w", err)
	}
	return f, nil
}

// ListDataFiles returns a team's data files newest first.
func (s *DataFileStore) ListDataFiles(ctx context.Context, teamID uuid.UUID) ([]domain.DataFile, error) {
	query := `SELECT ` + dataFileColumns + ` FROM data_files
		WHERE team_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	defer rows.Close()

	result := []domain.DataFile{}
	for rows.Next() {
		f, err := scanDataFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data file: %w", err)
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}

func (s *DataFileStore) DeleteDataFile(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM data_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete data file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("data file %s", id)
	}
	return nil
}
