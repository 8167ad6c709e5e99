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

// folderColumns is the full column list for folder queries.
const folderColumns = `id, collection_id, parent_folder_id, name, auth_type, auth_config,
	scripts, sort_order, created_at, updated_at`

// FolderStore implements api.FolderStore backed by Postgres.
type FolderStore struct {
	pool *pgxpool.Pool
}

// NewFolderStore creates a FolderStore backed by the given pool.
func NewFolderStore(pool *pgxpool.Pool) *FolderStore {
	return &FolderStore{pool: pool}
}

// scanFolder scans a single folder row into domain.Folder.
func scanFolder(row pgx.Row) (*domain.Folder, error) {
	var (
		f          domain.Folder
		authType   string
		authConfig []byte
		scripts    []byte
	)
	err := row.Scan(&f.ID, &f.CollectionID, &f.ParentFolderID, &f.Name, &authType,
		&authConfig, &scripts, &f.SortOrder, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.AuthType = domain.AuthType(authType)
	f.AuthConfig = authConfig
	if err := unmarshalJSONB(scripts, &f.Scripts, "folder scripts"); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FolderStore) CreateFolder(ctx context.Context, f *domain.Folder) error {
	scripts, err := marshalJSONB(f.Scripts, "folder scripts")
	if err != nil {
		return err
	}
	authConfig, err := marshalJSONB(f.AuthConfig, "folder auth config")
	if err != nil {
		return err
	}
	if f.AuthType == "" {
		f.AuthType = domain.AuthInheritFromParent
	}

	query := `INSERT INTO folders (collection_id, parent_folder_id, name, auth_type, auth_config, scripts, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + folderColumns

	created, err := scanFolder(s.pool.QueryRow(ctx, query,
		f.CollectionID, f.ParentFolderID, f.Name, string(f.AuthType), authConfig, scripts, f.SortOrder))
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	f.ID = created.ID
	f.CreatedAt = created.CreatedAt
	f.UpdatedAt = created.UpdatedAt
	return nil
}

// GetFolder returns the folder by id, or nil when absent.
func (s *FolderStore) GetFolder(ctx context.Context, id uuid.UUID) (*domain.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE id = $1`

	f, err := scanFolder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}

// ListFolders returns every folder in a collection, tree order resolved
// by the caller.
func (s *FolderStore) ListFolders(ctx context.Context, collectionID uuid.UUID) ([]domain.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders
		WHERE collection_id = $1 ORDER BY sort_order, created_at`

	rows, err := s.pool.Query(ctx, query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	result := []domain.Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}

func (s *FolderStore) UpdateFolder(ctx context.Context, f *domain.Folder) error {
	scripts, err := marshalJSONB(f.Scripts, "folder scripts")
	if err != nil {
		return err
	}
	authConfig, err := marshalJSONB(f.AuthConfig, "folder auth config")
	if err != nil {
		return err
	}

	query := `UPDATE folders SET
		parent_folder_id = $2, name = $3, auth_type = $4, auth_config = $5,
		scripts = $6, sort_order = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + folderColumns

	updated, err := scanFolder(s.pool.QueryRow(ctx, query,
		f.ID, f.ParentFolderID, f.Name, string(f.AuthType), authConfig, scripts, f.SortOrder))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotFoundf("folder %s", f.ID)
		}
		return fmt.Errorf("update folder: %w", err)
	}
	f.UpdatedAt = updated.UpdatedAt
	return nil
}

// DeleteFolder removes the folder; child folders and requests cascade.
func (s *FolderStore) DeleteFolder(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM folders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("folder %s", id)
	}
	return nil
}
