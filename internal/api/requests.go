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

// RequestStore defines the persistence operations needed by request
// definition handlers. Implemented by postgres.RequestStore.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *domain.RequestDef) error
	GetRequest(ctx context.Context, id uuid.UUID) (*domain.RequestDef, error)
	ListRequests(ctx context.Context, collectionID uuid.UUID) ([]domain.RequestDef, error)
	UpdateRequest(ctx context.Context, r *domain.RequestDef) error
	DeleteRequest(ctx context.Context, id uuid.UUID) error
}

// MountRequestRoutes registers request definition endpoints on the router.
func MountRequestRoutes(r chi.Router, srv *Server) {
	r.Route("/collections/{collectionID}/requests", func(r chi.Router) {
		r.Get("/", srv.HandleListRequests)
		r.Post("/", srv.HandleCreateRequest)
	})
	r.Route("/requests/{requestID}", func(r chi.Router) {
		r.Get("/", srv.HandleGetRequest)
		r.Put("/", srv.HandleUpdateRequest)
		r.Delete("/", srv.HandleDeleteRequest)
	})
}

// getTeamRequest loads a request definition and enforces team scope
// through its collection, writing the error response itself on failure.
func (s *Server) getTeamRequest(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.RequestDef, bool) {
	req, err := s.Requests.GetRequest(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load request", err)
		return nil, false
	}
	if req == nil {
		errorJSON(w, "request "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	if _, ok := s.getTeamCollection(w, r, req.CollectionID); !ok {
		return nil, false
	}
	return req, true
}

type requestDefRequest struct {
	FolderID    uuid.UUID            `json:"folderId"`
	Name        string               `json:"name"`
	Method      string               `json:"method"`
	URL         string               `json:"url"`
	SortOrder   int                  `json:"sortOrder"`
	Headers     []domain.HeaderParam `json:"headers"`
	QueryParams []domain.QueryParam  `json:"queryParams"`
	Body        *domain.RequestBody  `json:"body"`
	AuthType    string               `json:"authType"`
	AuthConfig  json.RawMessage      `json:"authConfig"`
	Scripts     []domain.Script      `json:"scripts"`
}

func (req *requestDefRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Validationf("name is required")
	}
	if req.FolderID == uuid.Nil {
		return domain.Validationf("folderId is required")
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if !domain.ValidHTTPMethod(req.Method) {
		return domain.Validationf("unsupported method %q", req.Method)
	}
	if strings.TrimSpace(req.URL) == "" {
		return domain.Validationf("url is required")
	}
	if req.Body != nil && req.Body.Type != "" && !domain.ValidBodyType(string(req.Body.Type)) {
		return domain.Validationf("unknown body type %q", req.Body.Type)
	}
	if req.AuthType != "" && !domain.ValidAuthType(req.AuthType) {
		return domain.Validationf("unknown auth type %q", req.AuthType)
	}
	if err := domain.ValidateScripts(req.Scripts); err != nil {
		return domain.Validationf("%s", err)
	}
	return nil
}

// checkRequestFolder verifies the target folder exists and belongs to
// the given collection.
func (s *Server) checkRequestFolder(ctx context.Context, collectionID, folderID uuid.UUID) error {
	folder, err := s.Folders.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if folder == nil {
		return domain.Validationf("folder %s not found", folderID)
	}
	if folder.CollectionID != collectionID {
		return domain.Validationf("folder %s belongs to another collection", folderID)
	}
	return nil
}

// HandleListRequests returns all request definitions of a collection.
func (s *Server) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, collectionID); !ok {
		return
	}

	requests, err := s.Requests.ListRequests(r.Context(), collectionID)
	if err != nil {
		internalError(w, "failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// HandleCreateRequest stores a request definition inside a folder. When
// authType is omitted the request inherits from its folder chain.
func (s *Server) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, collectionID); !ok {
		return
	}

	var req requestDefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}
	if err := s.checkRequestFolder(r.Context(), collectionID, req.FolderID); err != nil {
		domainError(w, err)
		return
	}

	authType := domain.AuthType(req.AuthType)
	if authType == "" {
		authType = domain.DefaultRequestAuth()
	}

	def := &domain.RequestDef{
		CollectionID: collectionID,
		FolderID:     req.FolderID,
		Name:         req.Name,
		Method:       domain.HTTPMethod(req.Method),
		URL:          req.URL,
		SortOrder:    req.SortOrder,
		Headers:      req.Headers,
		QueryParams:  req.QueryParams,
		Body:         req.Body,
		AuthType:     authType,
		AuthConfig:   req.AuthConfig,
		Scripts:      req.Scripts,
	}
	if err := s.Requests.CreateRequest(r.Context(), def); err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, def)
}

// HandleGetRequest returns one request definition.
func (s *Server) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "requestID")
	if !ok {
		return
	}
	def, ok := s.getTeamRequest(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleUpdateRequest replaces the mutable fields of a request
// definition, including moves between folders of the same collection.
func (s *Server) HandleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "requestID")
	if !ok {
		return
	}
	def, ok := s.getTeamRequest(w, r, id)
	if !ok {
		return
	}

	var req requestDefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}
	if req.FolderID != def.FolderID {
		if err := s.checkRequestFolder(r.Context(), def.CollectionID, req.FolderID); err != nil {
			domainError(w, err)
			return
		}
	}

	def.FolderID = req.FolderID
	def.Name = req.Name
	def.Method = domain.HTTPMethod(req.Method)
	def.URL = req.URL
	def.SortOrder = req.SortOrder
	def.Headers = req.Headers
	def.QueryParams = req.QueryParams
	def.Body = req.Body
	def.AuthType = domain.AuthType(req.AuthType)
	def.AuthConfig = req.AuthConfig
	def.Scripts = req.Scripts

	if err := s.Requests.UpdateRequest(r.Context(), def); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleDeleteRequest removes one request definition.
func (s *Server) HandleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "requestID")
	if !ok {
		return
	}
	if _, ok := s.getTeamRequest(w, r, id); !ok {
		return
	}

	if err := s.Requests.DeleteRequest(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
