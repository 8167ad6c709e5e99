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

// GlobalStore defines the persistence operations needed by global variable handlers.
// Implemented by postgres.GlobalStore.
type GlobalStore interface {
	ListGlobals(ctx context.Context, teamID uuid.UUID) ([]domain.GlobalVariable, error)
	GetGlobal(ctx context.Context, id uuid.UUID) (*domain.GlobalVariable, error)
	UpsertGlobal(ctx context.Context, g *domain.GlobalVariable) error
	DeleteGlobal(ctx context.Context, id uuid.UUID) error
}

// maskedGlobal is a global variable with the value replaced by *** when
// secret. Same contract as maskedVariable: masking applies to listings
// only, never to expansion.
type maskedGlobal struct {
	domain.GlobalVariable
	Value string `json:"value"`
}

func maskGlobal(g domain.GlobalVariable) maskedGlobal {
	mg := maskedGlobal{GlobalVariable: g, Value: g.Value}
	if g.IsSecret {
		mg.Value = domain.SecretMask
	}
	return mg
}

// MountGlobalRoutes registers global variable endpoints on the router.
func MountGlobalRoutes(r chi.Router, srv *Server) {
	r.Route("/globals", func(r chi.Router) {
		r.Get("/", srv.HandleListGlobals)
		r.Put("/", srv.HandleUpsertGlobal)
		r.Delete("/{globalID}", srv.HandleDeleteGlobal)
	})
}

// HandleListGlobals returns the team's global variables, masked.
func (s *Server) HandleListGlobals(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	globals, err := s.Globals.ListGlobals(r.Context(), caller.TeamID)
	if err != nil {
		internalError(w, "failed to list global variables", err)
		return
	}

	masked := make([]maskedGlobal, 0, len(globals))
	for _, g := range globals {
		masked = append(masked, maskGlobal(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"globals": masked})
}

// HandleUpsertGlobal creates or updates the team's global with the given
// key. Globals are unique per (team, key).
func (s *Server) HandleUpsertGlobal(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req variablePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		errorJSON(w, "key is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	g := &domain.GlobalVariable{
		TeamID:    caller.TeamID,
		Key:       req.Key,
		Value:     req.Value,
		IsSecret:  req.IsSecret,
		IsEnabled: req.IsEnabled,
	}
	if err := s.Globals.UpsertGlobal(r.Context(), g); err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, maskGlobal(*g))
}

// HandleDeleteGlobal removes one global variable.
func (s *Server) HandleDeleteGlobal(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "globalID")
	if !ok {
		return
	}

	g, err := s.Globals.GetGlobal(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load global variable", err)
		return
	}
	if g == nil {
		errorJSON(w, "global variable "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if !sameTeam(w, caller, g.TeamID, "global variable") {
		return
	}

	if err := s.Globals.DeleteGlobal(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
