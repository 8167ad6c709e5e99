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

// EnvironmentStore defines the persistence operations needed by environment handlers.
// Implemented by postgres.EnvironmentStore.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, e *domain.Environment) error
	GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error)
	GetActiveEnvironment(ctx context.Context, teamID uuid.UUID) (*domain.Environment, error)
	ListEnvironments(ctx context.Context, teamID uuid.UUID) ([]domain.Environment, error)
	UpdateEnvironment(ctx context.Context, e *domain.Environment) error
	ReplaceEnvironmentVariables(ctx context.Context, environmentID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error)
	ActivateEnvironment(ctx context.Context, teamID, environmentID uuid.UUID) error
	DeleteEnvironment(ctx context.Context, id uuid.UUID) error
}

// maskedVariable is a variable row with the value replaced by *** when
// secret. Listings never leak secret values; substitution into outgoing
// requests uses the real value.
type maskedVariable struct {
	domain.Variable
	Value string `json:"value"`
}

func maskVariable(v domain.Variable) maskedVariable {
	mv := maskedVariable{Variable: v, Value: v.Value}
	if v.IsSecret {
		mv.Value = domain.SecretMask
	}
	return mv
}

func maskVariables(list []domain.Variable) []maskedVariable {
	out := make([]maskedVariable, 0, len(list))
	for _, v := range list {
		out = append(out, maskVariable(v))
	}
	return out
}

// maskedEnvironment shadows the variable list with its masked form.
type maskedEnvironment struct {
	*domain.Environment
	Variables []maskedVariable `json:"variables"`
}

func maskEnvironment(e *domain.Environment) maskedEnvironment {
	return maskedEnvironment{Environment: e, Variables: maskVariables(e.Variables)}
}

// MountEnvironmentRoutes registers environment endpoints on the router.
func MountEnvironmentRoutes(r chi.Router, srv *Server) {
	r.Route("/environments", func(r chi.Router) {
		r.Get("/", srv.HandleListEnvironments)
		r.Post("/", srv.HandleCreateEnvironment)
		r.Route("/{environmentID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetEnvironment)
			r.Put("/", srv.HandleUpdateEnvironment)
			r.Delete("/", srv.HandleDeleteEnvironment)
			r.Post("/activate", srv.HandleActivateEnvironment)
		})
	})
}

// resolveEnvironment returns the explicit environment when an id is given
// (team checked), otherwise the team's active environment, otherwise nil.
// The active lookup is read-through the cache when one is wired.
func (s *Server) resolveEnvironment(ctx context.Context, caller domain.Caller, envID *uuid.UUID) (*domain.Environment, error) {
	if envID != nil {
		env, err := s.Environments.GetEnvironment(ctx, *envID)
		if err != nil {
			return nil, err
		}
		if env == nil {
			return nil, domain.NotFoundf("environment %s not found", *envID)
		}
		if env.TeamID != caller.TeamID {
			return nil, domain.Authorizationf("environment %s belongs to another team", *envID)
		}
		return env, nil
	}

	if s.ActiveEnvCache != nil {
		if env, ok := s.ActiveEnvCache.Get(caller.TeamID); ok {
			return env, nil
		}
	}
	env, err := s.Environments.GetActiveEnvironment(ctx, caller.TeamID)
	if err != nil {
		return nil, err
	}
	if env != nil && s.ActiveEnvCache != nil {
		s.ActiveEnvCache.Set(caller.TeamID, env)
	}
	return env, nil
}

// invalidateActiveEnv drops the team's cached active environment.
func (s *Server) invalidateActiveEnv(teamID uuid.UUID) {
	if s.ActiveEnvCache != nil {
		s.ActiveEnvCache.Delete(teamID)
	}
}

// getTeamEnvironment loads an environment and enforces team scope,
// writing the error response itself on failure.
func (s *Server) getTeamEnvironment(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.Environment, bool) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return nil, false
	}
	env, err := s.Environments.GetEnvironment(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load environment", err)
		return nil, false
	}
	if env == nil {
		errorJSON(w, "environment "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	if !sameTeam(w, caller, env.TeamID, "environment") {
		return nil, false
	}
	return env, true
}

type environmentRequest struct {
	Name      string            `json:"name"`
	Variables []variablePayload `json:"variables"`
}

func (req *environmentRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Validationf("name is required")
	}
	if len(req.Name) > 255 {
		return domain.Validationf("name must be at most 255 characters")
	}
	for _, v := range req.Variables {
		if strings.TrimSpace(v.Key) == "" {
			return domain.Validationf("variable key is required")
		}
	}
	return nil
}

// HandleListEnvironments returns the team's environments with secret
// variable values masked.
func (s *Server) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	envs, err := s.Environments.ListEnvironments(r.Context(), caller.TeamID)
	if err != nil {
		internalError(w, "failed to list environments", err)
		return
	}

	masked := make([]maskedEnvironment, 0, len(envs))
	for i := range envs {
		masked = append(masked, maskEnvironment(&envs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": masked})
}

// HandleCreateEnvironment creates an environment with its variable set.
func (s *Server) HandleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req environmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}

	env := &domain.Environment{
		TeamID:    caller.TeamID,
		Name:      req.Name,
		Variables: toVariables(domain.ScopeEnvironment, uuid.Nil, req.Variables),
		CreatedBy: caller.UserID,
	}
	if err := s.Environments.CreateEnvironment(r.Context(), env); err != nil {
		domainError(w, err)
		return
	}

	LoggerFromContext(r.Context()).Info("environment created", "environment_id", env.ID, "name", env.Name)
	writeJSON(w, http.StatusCreated, maskEnvironment(env))
}

// HandleGetEnvironment returns one environment, masked.
func (s *Server) HandleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "environmentID")
	if !ok {
		return
	}
	env, ok := s.getTeamEnvironment(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, maskEnvironment(env))
}

// HandleUpdateEnvironment renames an environment and replaces its
// variable set.
func (s *Server) HandleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "environmentID")
	if !ok {
		return
	}
	env, ok := s.getTeamEnvironment(w, r, id)
	if !ok {
		return
	}

	var req environmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		domainError(w, err)
		return
	}

	env.Name = req.Name
	if err := s.Environments.UpdateEnvironment(r.Context(), env); err != nil {
		domainError(w, err)
		return
	}
	stored, err := s.Environments.ReplaceEnvironmentVariables(r.Context(), id, toVariables(domain.ScopeEnvironment, id, req.Variables))
	if err != nil {
		domainError(w, err)
		return
	}
	env.Variables = stored
	s.invalidateActiveEnv(env.TeamID)

	writeJSON(w, http.StatusOK, maskEnvironment(env))
}

// HandleActivateEnvironment atomically makes this the team's single
// active environment.
func (s *Server) HandleActivateEnvironment(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "environmentID")
	if !ok {
		return
	}

	// Scoping the UPDATE by team makes a foreign id indistinguishable
	// from a missing one.
	if err := s.Environments.ActivateEnvironment(r.Context(), caller.TeamID, id); err != nil {
		domainError(w, err)
		return
	}
	s.invalidateActiveEnv(caller.TeamID)

	LoggerFromContext(r.Context()).Info("environment activated", "environment_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"environmentId": id, "active": true})
}

// HandleDeleteEnvironment removes an environment and its variables.
func (s *Server) HandleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "environmentID")
	if !ok {
		return
	}
	env, ok := s.getTeamEnvironment(w, r, id)
	if !ok {
		return
	}

	if err := s.Environments.DeleteEnvironment(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	s.invalidateActiveEnv(env.TeamID)

	w.WriteHeader(http.StatusNoContent)
}
