package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/auth"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/proxy"
	"github.com/codeops/courier/internal/vars"
)

// AuthSpec is the wire form of an auth configuration on an ad-hoc send.
// An absent auth (or INHERIT_FROM_PARENT) defers to the collection when
// collectionId is given, otherwise resolves to NO_AUTH.
type AuthSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// SendProxyRequest is the body of POST /proxy/send.
type SendProxyRequest struct {
	Method          string               `json:"method"`
	URL             string               `json:"url"`
	Headers         []domain.HeaderParam `json:"headers,omitempty"`
	QueryParams     []domain.QueryParam  `json:"queryParams,omitempty"`
	Body            *domain.RequestBody  `json:"body,omitempty"`
	Auth            *AuthSpec            `json:"auth,omitempty"`
	EnvironmentID   *uuid.UUID           `json:"environmentId,omitempty"`
	CollectionID    *uuid.UUID           `json:"collectionId,omitempty"`
	RequestID       *uuid.UUID           `json:"requestId,omitempty"`
	SaveToHistory   bool                 `json:"saveToHistory"`
	TimeoutMs       int                  `json:"timeoutMs"`
	FollowRedirects *bool                `json:"followRedirects,omitempty"` // absent = true
}

// proxyResult is proxy.Response plus the captured body as a string. The
// executor keeps Body out of its own JSON so history inserts never carry
// it twice.
type proxyResult struct {
	*proxy.Response
	ResponseBody string `json:"responseBody"`
}

// MountProxyRoutes registers the ad-hoc execution endpoint.
func MountProxyRoutes(r chi.Router, srv *Server) {
	r.Post("/proxy/send", srv.HandleProxySend)
}

// HandleProxySend executes one ad-hoc request through the proxy and
// returns the outcome. Upstream failures are part of the payload
// (statusCode 0 plus an error marker), never an API error.
func (s *Server) HandleProxySend(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req SendProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		errorJSON(w, "url is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !domain.ValidHTTPMethod(method) {
		errorJSON(w, "unsupported method "+req.Method, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	store := vars.NewStore()
	globals, err := s.Globals.ListGlobals(ctx, caller.TeamID)
	if err != nil {
		internalError(w, "failed to load global variables", err)
		return
	}
	store.LoadGlobals(globals)

	var col *domain.Collection
	if req.CollectionID != nil {
		col, err = s.lookupCollection(ctx, *req.CollectionID)
		if err != nil {
			domainError(w, err)
			return
		}
		if !sameTeam(w, caller, col.TeamID, "collection") {
			return
		}
		colVars, err := s.Collections.ListCollectionVariables(ctx, col.ID)
		if err != nil {
			internalError(w, "failed to load collection variables", err)
			return
		}
		store.LoadVariables(domain.ScopeCollection, colVars)
	}

	env, err := s.resolveEnvironment(ctx, caller, req.EnvironmentID)
	if err != nil {
		domainError(w, err)
		return
	}
	var envID *uuid.UUID
	if env != nil {
		store.LoadVariables(domain.ScopeEnvironment, env.Variables)
		envID = &env.ID
	}

	authType := domain.AuthInheritFromParent
	var authConfig json.RawMessage
	if req.Auth != nil && req.Auth.Type != "" {
		t := strings.ToUpper(strings.TrimSpace(req.Auth.Type))
		if !domain.ValidAuthType(t) {
			errorJSON(w, "unknown auth type "+req.Auth.Type, "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		authType = domain.AuthType(t)
		authConfig = req.Auth.Config
	}
	eff, err := auth.Resolve(&domain.RequestDef{AuthType: authType, AuthConfig: authConfig}, nil, col)
	if err != nil {
		internalError(w, "failed to resolve auth", err)
		return
	}

	follow := true
	if req.FollowRedirects != nil {
		follow = *req.FollowRedirects
	}

	resp, err := s.Executor.Execute(ctx, proxy.Request{
		Method:          domain.HTTPMethod(method),
		URL:             req.URL,
		Headers:         req.Headers,
		QueryParams:     req.QueryParams,
		Body:            req.Body,
		Auth:            eff,
		TimeoutMs:       req.TimeoutMs,
		FollowRedirects: follow,
		SaveToHistory:   req.SaveToHistory,
		Caller:          caller,
		CollectionID:    req.CollectionID,
		RequestID:       req.RequestID,
		EnvironmentID:   envID,
	}, store)
	if err != nil {
		domainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, proxyResult{Response: resp, ResponseBody: string(resp.Body)})
}
