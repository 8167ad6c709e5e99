package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
)

// FolderStore defines the persistence operations needed by folder handlers.
// Implemented by postgres.FolderStore.
type FolderStore interface {
	CreateFolder(ctx context.Context, f *domain.Folder) error
	GetFolder(ctx context.Context, id uuid.UUID) (*domain.Folder, error)
	ListFolders(ctx context.Context, collectionID uuid.UUID) ([]domain.Folder, error)
	UpdateFolder(ctx context.Context, f *domain.Folder) error
	DeleteFolder(ctx context.Context, id uuid.UUID) error
}

// MountFolderRoutes registers folder endpoints on the router. Listing and
// creation hang off the owning collection; single-folder operations are
// addressed directly.
func MountFolderRoutes(r chi.Router, srv *Server) {
	r.Route("/collections/{collectionID}/folders", func(r chi.Router) {
		r.Get("/", srv.HandleListFolders)
		r.Post("/", srv.HandleCreateFolder)
	})
	r.Route("/folders/{folderID}", func(r chi.Router) {
		r.Get("/", srv.HandleGetFolder)
		r.Put("/", srv.HandleUpdateFolder)
		r.Delete("/", srv.HandleDeleteFolder)
	})
}

// getTeamFolder loads a folder and enforces team scope through its
// collection, writing the error response itself on failure.
func (s *Server) getTeamFolder(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.Folder, bool) {
	folder, err := s.Folders.GetFolder(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load folder", err)
		return nil, false
	}
	if folder == nil {
		errorJSON(w, "folder "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	if _, ok := s.getTeamCollection(w, r, folder.CollectionID); !ok {
		return nil, false
	}
	return folder, true
}

type folderRequest struct {
	Name           string          `json:"name"`
	ParentFolderID *uuid.UUID      `json:"parentFolderId"`
	AuthType       string          `json:"authType"`
	AuthConfig     json.RawMessage `json:"authConfig"`
	Scripts        []domain.Script `json:"scripts"`
	SortOrder      int             `json:"sortOrder"`
}

func (req *folderRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Validationf("name is required")
	}
	if req.AuthType != "" && !domain.ValidAuthType(req.AuthType) {
		return domain.Validationf("unknown auth type %q", req.AuthType)
	}
	if err := domain.ValidateScripts(req.Scripts); err != nil {
		return domain.Validationf("%s", err)
	}
	return nil
}

// checkParentFolder verifies the parent exists, belongs to the same
// collection, and (for updates) does not make the folder its own
// ancestor. A corrupt parent chain surfaces as Internal, not a loop.
func (s *Server) checkParentFolder(ctx context.Context, collectionID uuid.UUID, folderID uuid.UUID, parentID uuid.UUID) error {
	visited := map[uuid.UUID]bool{}
	current := parentID
	for current != uuid.Nil {
		if current == folderID {
			return domain.Validationf("folder cannot be its own ancestor")
		}
		if visited[current] {
			return domain.Validationf("parent folder chain forms a cycle")
		}
		visited[current] = true

		parent, err := s.Folders.GetFolder(ctx, current)
		if err != nil {
			return err
		}
		if parent == nil {
			return domain.Validationf("parent folder %s not found", current)
		}
		if parent.CollectionID != collectionID {
			return domain.Validationf("parent folder %s belongs to another collection", current)
		}
		if parent.ParentFolderID == nil {
			break
		}
		current = *parent.ParentFolderID
	}
	return nil
}

// HandleListFolders returns all folders of a collection.
func (s *Server) HandleListFolders(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, collectionID); !ok {
		return
	}

	folders, err := s.Folders.ListFolders(r.Context(), collectionID)
	if err != nil {
		internalError(w, "failed to list folders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// HandleCreateFolder creates a folder inside a collection.
func (s *Server) HandleCreateFolder(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, collectionID); !ok {
		return
	}

	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}
	if req.ParentFolderID != nil {
		if err := s.checkParentFolder(r.Context(), collectionID, uuid.Nil, *req.ParentFolderID); err != nil {
			domainError(w, err)
			return
		}
	}

	folder := &domain.Folder{
		CollectionID:   collectionID,
		ParentFolderID: req.ParentFolderID,
		Name:           req.Name,
		AuthType:       domain.AuthType(req.AuthType),
		AuthConfig:     req.AuthConfig,
		Scripts:        req.Scripts,
		SortOrder:      req.SortOrder,
	}
	if err := s.Folders.CreateFolder(r.Context(), folder); err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, folder)
}

// HandleGetFolder returns one folder.
func (s *Server) HandleGetFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "folderID")
	if !ok {
		return
	}
	folder, ok := s.getTeamFolder(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// HandleUpdateFolder replaces the mutable fields of a folder. Moving a
// folder under one of its own descendants is rejected.
func (s *Server) HandleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "folderID")
	if !ok {
		return
	}
	folder, ok := s.getTeamFolder(w, r, id)
	if !ok {
		return
	}

	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}
	if req.ParentFolderID != nil {
		if err := s.checkParentFolder(r.Context(), folder.CollectionID, id, *req.ParentFolderID); err != nil {
			domainError(w, err)
			return
		}
	}

	folder.Name = req.Name
	folder.ParentFolderID = req.ParentFolderID
	folder.AuthType = domain.AuthType(req.AuthType)
	folder.AuthConfig = req.AuthConfig
	folder.Scripts = req.Scripts
	folder.SortOrder = req.SortOrder

	if err := s.Folders.UpdateFolder(r.Context(), folder); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// HandleDeleteFolder removes a folder, its subtree, and the requests in it.
func (s *Server) HandleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "folderID")
	if !ok {
		return
	}
	if _, ok := s.getTeamFolder(w, r, id); !ok {
		return
	}

	if err := s.Folders.DeleteFolder(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
