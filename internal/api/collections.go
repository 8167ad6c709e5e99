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

// CollectionStore defines the persistence operations needed by collection handlers.
// Implemented by postgres.CollectionStore.
type CollectionStore interface {
	CreateCollection(ctx context.Context, c *domain.Collection) error
	GetCollection(ctx context.Context, id uuid.UUID) (*domain.Collection, error)
	ListCollections(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]domain.Collection, error)
	CountCollections(ctx context.Context, teamID uuid.UUID) (int, error)
	UpdateCollection(ctx context.Context, c *domain.Collection) error
	DeleteCollection(ctx context.Context, id uuid.UUID) error
	ListCollectionVariables(ctx context.Context, collectionID uuid.UUID) ([]domain.Variable, error)
	ReplaceCollectionVariables(ctx context.Context, collectionID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error)
}

// MountCollectionRoutes registers collection endpoints on the router.
func MountCollectionRoutes(r chi.Router, srv *Server) {
	r.Route("/collections", func(r chi.Router) {
		r.Get("/", srv.HandleListCollections)
		r.Post("/", srv.HandleCreateCollection)
		r.Route("/{collectionID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetCollection)
			r.Put("/", srv.HandleUpdateCollection)
			r.Delete("/", srv.HandleDeleteCollection)
			r.Get("/variables", srv.HandleListCollectionVariables)
			r.Put("/variables", srv.HandleReplaceCollectionVariables)
		})
	})
}

// lookupCollection loads a collection by id, read-through the cache when
// one is wired. Absent rows become NotFound.
func (s *Server) lookupCollection(ctx context.Context, id uuid.UUID) (*domain.Collection, error) {
	if s.CollectionCache != nil {
		if col, ok := s.CollectionCache.Get(id); ok {
			return col, nil
		}
	}
	col, err := s.Collections.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, domain.NotFoundf("collection %s not found", id)
	}
	if s.CollectionCache != nil {
		s.CollectionCache.Set(id, col)
	}
	return col, nil
}

// invalidateCollection drops a mutated collection from the cache.
func (s *Server) invalidateCollection(id uuid.UUID) {
	if s.CollectionCache != nil {
		s.CollectionCache.Delete(id)
	}
}

// getTeamCollection loads a collection and enforces team scope, writing
// the error response itself on failure.
func (s *Server) getTeamCollection(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.Collection, bool) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return nil, false
	}
	col, err := s.lookupCollection(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return nil, false
	}
	if !sameTeam(w, caller, col.TeamID, "collection") {
		return nil, false
	}
	return col, true
}

type collectionRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	AuthType    string            `json:"authType"`
	AuthConfig  json.RawMessage   `json:"authConfig"`
	Scripts     []domain.Script   `json:"scripts"`
	Variables   []variablePayload `json:"variables"`
}

// variablePayload is the writable subset of a variable row. Scope and
// owner are implied by the endpoint.
type variablePayload struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsSecret  bool   `json:"isSecret"`
	IsEnabled bool   `json:"isEnabled"`
}

// validate normalizes the payload and reports the first violation.
func (req *collectionRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Validationf("name is required")
	}
	if len(req.Name) > 255 {
		return domain.Validationf("name must be at most 255 characters")
	}
	if req.AuthType != "" && !domain.ValidAuthType(req.AuthType) {
		return domain.Validationf("unknown auth type %q", req.AuthType)
	}
	if err := domain.ValidateScripts(req.Scripts); err != nil {
		return domain.Validationf("%s", err)
	}
	for _, v := range req.Variables {
		if strings.TrimSpace(v.Key) == "" {
			return domain.Validationf("variable key is required")
		}
	}
	return nil
}

// toVariables converts wire payloads to domain rows for the given scope.
func toVariables(scope domain.VariableScope, ownerID uuid.UUID, payloads []variablePayload) []domain.Variable {
	out := make([]domain.Variable, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, domain.Variable{
			Scope:     scope,
			OwnerID:   ownerID,
			Key:       strings.TrimSpace(p.Key),
			Value:     p.Value,
			IsSecret:  p.IsSecret,
			IsEnabled: p.IsEnabled,
		})
	}
	return out
}

// HandleListCollections returns the team's collections, paginated.
func (s *Server) HandleListCollections(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)

	cols, err := s.Collections.ListCollections(r.Context(), caller.TeamID, limit, offset)
	if err != nil {
		internalError(w, "failed to list collections", err)
		return
	}
	total, err := s.Collections.CountCollections(r.Context(), caller.TeamID)
	if err != nil {
		internalError(w, "failed to count collections", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collections": cols,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// HandleCreateCollection creates a collection owned by the caller's team.
func (s *Server) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req collectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}

	col := &domain.Collection{
		TeamID:      caller.TeamID,
		Name:        req.Name,
		Description: req.Description,
		AuthType:    domain.AuthType(req.AuthType),
		AuthConfig:  req.AuthConfig,
		Scripts:     req.Scripts,
		CreatedBy:   caller.UserID,
	}
	if err := s.Collections.CreateCollection(r.Context(), col); err != nil {
		domainError(w, err)
		return
	}

	if len(req.Variables) > 0 {
		if _, err := s.Collections.ReplaceCollectionVariables(r.Context(), col.ID, toVariables(domain.ScopeCollection, col.ID, req.Variables)); err != nil {
			internalError(w, "failed to store collection variables", err)
			return
		}
	}

	LoggerFromContext(r.Context()).Info("collection created", "collection_id", col.ID, "name", col.Name)
	writeJSON(w, http.StatusCreated, col)
}

// HandleGetCollection returns one collection.
func (s *Server) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	col, ok := s.getTeamCollection(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// HandleUpdateCollection replaces the mutable fields of a collection.
func (s *Server) HandleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	col, ok := s.getTeamCollection(w, r, id)
	if !ok {
		return
	}

	var req collectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}

	updated := *col
	updated.Name = req.Name
	updated.Description = req.Description
	updated.AuthType = domain.AuthType(req.AuthType)
	updated.AuthConfig = req.AuthConfig
	updated.Scripts = req.Scripts

	if err := s.Collections.UpdateCollection(r.Context(), &updated); err != nil {
		domainError(w, err)
		return
	}
	s.invalidateCollection(id)

	writeJSON(w, http.StatusOK, &updated)
}

// HandleDeleteCollection removes a collection and its tree.
func (s *Server) HandleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, id); !ok {
		return
	}

	if err := s.Collections.DeleteCollection(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	s.invalidateCollection(id)

	LoggerFromContext(r.Context()).Info("collection deleted", "collection_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListCollectionVariables returns the collection-scope variables
// with secret values masked.
func (s *Server) HandleListCollectionVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, id); !ok {
		return
	}

	list, err := s.Collections.ListCollectionVariables(r.Context(), id)
	if err != nil {
		internalError(w, "failed to list collection variables", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": maskVariables(list)})
}

// HandleReplaceCollectionVariables swaps the full collection-scope
// variable set. The response echoes the stored rows, masked.
func (s *Server) HandleReplaceCollectionVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "collectionID")
	if !ok {
		return
	}
	if _, ok := s.getTeamCollection(w, r, id); !ok {
		return
	}

	var req struct {
		Variables []variablePayload `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	for _, v := range req.Variables {
		if strings.TrimSpace(v.Key) == "" {
			errorJSON(w, "variable key is required", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	stored, err := s.Collections.ReplaceCollectionVariables(r.Context(), id, toVariables(domain.ScopeCollection, id, req.Variables))
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": maskVariables(stored)})
}
