package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/postgres"
)

// HistoryStore defines the read operations needed by history handlers.
// Implemented by postgres.HistoryStore; writes go through the proxy
// recorder, never through the API.
type HistoryStore interface {
	GetHistory(ctx context.Context, id uuid.UUID) (*domain.RequestHistory, error)
	ListHistory(ctx context.Context, filter postgres.HistoryFilter) ([]domain.RequestHistory, error)
	CountHistory(ctx context.Context, filter postgres.HistoryFilter) (int, error)
}

// MountHistoryRoutes registers history endpoints on the router.
func MountHistoryRoutes(r chi.Router, srv *Server) {
	r.Route("/history", func(r chi.Router) {
		r.Get("/", srv.HandleListHistory)
		r.Get("/{historyID}", srv.HandleGetHistory)
	})
}

// historyFilterFromQuery builds the store filter from query parameters.
// Supported filters: userId, collectionId, runId, method, status, q.
func historyFilterFromQuery(r *http.Request, teamID uuid.UUID) (postgres.HistoryFilter, error) {
	filter := postgres.HistoryFilter{TeamID: teamID}
	q := r.URL.Query()

	if v := q.Get("userId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, domain.Validationf("userId must be a UUID")
		}
		filter.UserID = &id
	}
	if v := q.Get("collectionId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, domain.Validationf("collectionId must be a UUID")
		}
		filter.CollectionID = &id
	}
	if v := q.Get("runId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, domain.Validationf("runId must be a UUID")
		}
		filter.RunID = &id
	}

	if v := q.Get("method"); v != "" {
		m := strings.ToUpper(v)
		if !domain.ValidHTTPMethod(m) {
			return filter, domain.Validationf("unsupported method %q", v)
		}
		filter.Method = m
	}
	if v := q.Get("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, domain.Validationf("status must be a non-negative integer")
		}
		filter.Status = n
	}
	filter.Query = q.Get("q")

	filter.Limit, filter.Offset = parsePagination(r)
	return filter, nil
}

// HandleListHistory returns the team's request history, newest first.
func (s *Server) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	filter, err := historyFilterFromQuery(r, caller.TeamID)
	if err != nil {
		domainError(w, err)
		return
	}

	entries, err := s.History.ListHistory(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list history", err)
		return
	}
	total, err := s.History.CountHistory(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to count history", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// HandleGetHistory returns one history entry with its stored bodies.
func (s *Server) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "historyID")
	if !ok {
		return
	}

	entry, err := s.History.GetHistory(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load history entry", err)
		return
	}
	if entry == nil {
		errorJSON(w, "history entry "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if !sameTeam(w, caller, entry.TeamID, "history entry") {
		return
	}

	writeJSON(w, http.StatusOK, entry)
}
