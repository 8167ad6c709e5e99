package api

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/runner"
)

// defaultMaxDataFileBytes caps data file uploads when the server does
// not configure a limit (5 MiB).
const defaultMaxDataFileBytes = 5 << 20

// DataFileStore defines the catalog operations needed by data file
// handlers. Implemented by postgres.DataFileStore.
type DataFileStore interface {
	InsertDataFile(ctx context.Context, f *domain.DataFile) error
	GetDataFile(ctx context.Context, id uuid.UUID) (*domain.DataFile, error)
	ListDataFiles(ctx context.Context, teamID uuid.UUID) ([]domain.DataFile, error)
	DeleteDataFile(ctx context.Context, id uuid.UUID) error
}

// DataFileBlobStore holds the uploaded bytes themselves. Implemented by
// storage.S3Store; the catalog row carries the metadata.
type DataFileBlobStore interface {
	PutDataFileContent(ctx context.Context, teamID, fileID uuid.UUID, content []byte, contentType string) error
	DeleteDataFileContent(ctx context.Context, teamID, fileID uuid.UUID) error
}

// MountDataFileRoutes registers data file endpoints on the router.
func MountDataFileRoutes(r chi.Router, srv *Server) {
	r.Route("/datafiles", func(r chi.Router) {
		r.Get("/", srv.HandleListDataFiles)
		r.Post("/", srv.HandleUploadDataFile)
		r.Delete("/{dataFileID}", srv.HandleDeleteDataFile)
	})
}

func (s *Server) maxDataFileBytes() int64 {
	if s.MaxDataFileBytes > 0 {
		return s.MaxDataFileBytes
	}
	return defaultMaxDataFileBytes
}

// dataFileContentType maps the upload's extension to a stored content
// type. Only CSV and JSON tables can drive run iterations.
func dataFileContentType(filename string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "text/csv", true
	case ".json":
		return "application/json", true
	}
	return "", false
}

// HandleListDataFiles returns the team's uploaded data files.
func (s *Server) HandleListDataFiles(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	files, err := s.DataFiles.ListDataFiles(r.Context(), caller.TeamID)
	if err != nil {
		internalError(w, "failed to list data files", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataFiles": files})
}

// HandleUploadDataFile accepts a multipart upload under the "file" part,
// validates that it parses into iteration rows, and stores the catalog
// row plus the content blob. The catalog row is rolled back when the
// blob write fails so the two never diverge.
func (s *Server) HandleUploadDataFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	if s.Blobs == nil {
		errorJSON(w, "data file storage is not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	maxBytes := s.maxDataFileBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		errorJSON(w, "invalid multipart upload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		errorJSON(w, `multipart part "file" is required`, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	defer part.Close()

	contentType, ok := dataFileContentType(header.Filename)
	if !ok {
		errorJSON(w, "only .csv and .json data files are supported", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	content, err := io.ReadAll(part)
	if err != nil {
		errorJSON(w, "failed to read upload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	rows, err := runner.ParseDataRows(header.Filename, content)
	if err != nil {
		domainError(w, err)
		return
	}

	file := &domain.DataFile{
		TeamID:      caller.TeamID,
		Filename:    header.Filename,
		ContentType: contentType,
		SizeBytes:   int64(len(content)),
		RowCount:    len(rows),
		UploadedBy:  caller.UserID,
	}
	if err := s.DataFiles.InsertDataFile(r.Context(), file); err != nil {
		domainError(w, err)
		return
	}

	if err := s.Blobs.PutDataFileContent(r.Context(), caller.TeamID, file.ID, content, contentType); err != nil {
		// Keep catalog and object store consistent.
		if delErr := s.DataFiles.DeleteDataFile(r.Context(), file.ID); delErr != nil {
			LoggerFromContext(r.Context()).Error("failed to roll back data file catalog row",
				"data_file_id", file.ID, "error", delErr)
		}
		internalError(w, "failed to store data file content", err)
		return
	}

	LoggerFromContext(r.Context()).Info("data file uploaded",
		"data_file_id", file.ID, "filename", file.Filename, "rows", file.RowCount)
	writeJSON(w, http.StatusCreated, file)
}

// HandleDeleteDataFile removes the catalog row and, best-effort, the
// stored blob. An orphaned blob is retried by nothing; it ages out with
// the bucket's lifecycle policy.
func (s *Server) HandleDeleteDataFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "dataFileID")
	if !ok {
		return
	}

	file, err := s.DataFiles.GetDataFile(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load data file", err)
		return
	}
	if file == nil {
		errorJSON(w, "data file "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if !sameTeam(w, caller, file.TeamID, "data file") {
		return
	}

	if err := s.DataFiles.DeleteDataFile(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	if s.Blobs != nil {
		if err := s.Blobs.DeleteDataFileContent(r.Context(), caller.TeamID, id); err != nil {
			LoggerFromContext(r.Context()).Warn("failed to delete data file blob",
				"data_file_id", id, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
