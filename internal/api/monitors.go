package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codeops/courier/internal/domain"
)

// MonitorStore defines the persistence operations needed by monitor
// handlers. Implemented by postgres.MonitorStore; the scheduler owns the
// due-scan and run-recording operations.
type MonitorStore interface {
	CreateMonitor(ctx context.Context, m *domain.Monitor, createdBy uuid.UUID) error
	GetMonitor(ctx context.Context, id uuid.UUID) (*domain.Monitor, error)
	ListMonitors(ctx context.Context, teamID uuid.UUID) ([]domain.Monitor, error)
	UpdateMonitor(ctx context.Context, m *domain.Monitor) error
	DeleteMonitor(ctx context.Context, id uuid.UUID) error
}

// monitorCronParser accepts standard five-field cron expressions. Must
// stay in sync with the scheduler's parser, or a monitor could be
// accepted here and rejected at fire time.
var monitorCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// MountMonitorRoutes registers monitor endpoints on the router.
func MountMonitorRoutes(r chi.Router, srv *Server) {
	r.Route("/monitors", func(r chi.Router) {
		r.Get("/", srv.HandleListMonitors)
		r.Post("/", srv.HandleCreateMonitor)
		r.Route("/{monitorID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetMonitor)
			r.Put("/", srv.HandleUpdateMonitor)
			r.Delete("/", srv.HandleDeleteMonitor)
		})
	})
}

// getTeamMonitor loads a monitor and enforces team scope, writing the
// error response itself on failure.
func (s *Server) getTeamMonitor(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.Monitor, bool) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return nil, false
	}
	m, err := s.Monitors.GetMonitor(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load monitor", err)
		return nil, false
	}
	if m == nil {
		errorJSON(w, "monitor "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	if !sameTeam(w, caller, m.TeamID, "monitor") {
		return nil, false
	}
	return m, true
}

type monitorRequest struct {
	Name          string     `json:"name"`
	CollectionID  uuid.UUID  `json:"collectionId"`
	EnvironmentID *uuid.UUID `json:"environmentId"`
	Cron          string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
}

// validate normalizes the payload and parses the cron expression.
// Returns the parsed schedule for next-fire computation.
func (req *monitorRequest) validate() (cron.Schedule, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, domain.Validationf("name is required")
	}
	if req.CollectionID == uuid.Nil {
		return nil, domain.Validationf("collectionId is required")
	}
	req.Cron = strings.TrimSpace(req.Cron)
	if req.Cron == "" {
		return nil, domain.Validationf("cron is required")
	}
	schedule, err := monitorCronParser.Parse(req.Cron)
	if err != nil {
		return nil, domain.Validationf("invalid cron expression %q: %s", req.Cron, err)
	}
	return schedule, nil
}

// checkMonitorRefs enforces team scope on the collection and the
// optional environment a monitor points at.
func (s *Server) checkMonitorRefs(ctx context.Context, caller domain.Caller, req monitorRequest) error {
	col, err := s.lookupCollection(ctx, req.CollectionID)
	if err != nil {
		return err
	}
	if col.TeamID != caller.TeamID {
		return domain.Authorizationf("collection %s belongs to another team", req.CollectionID)
	}
	if req.EnvironmentID != nil {
		if _, err := s.resolveEnvironment(ctx, caller, req.EnvironmentID); err != nil {
			return err
		}
	}
	return nil
}

// HandleListMonitors returns the team's monitors.
func (s *Server) HandleListMonitors(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	monitors, err := s.Monitors.ListMonitors(r.Context(), caller.TeamID)
	if err != nil {
		internalError(w, "failed to list monitors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors})
}

// HandleCreateMonitor creates a cron-scheduled collection run trigger.
func (s *Server) HandleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	schedule, err := req.validate()
	if err != nil {
		domainError(w, err)
		return
	}
	if err := s.checkMonitorRefs(r.Context(), caller, req); err != nil {
		domainError(w, err)
		return
	}

	m := &domain.Monitor{
		TeamID:        caller.TeamID,
		CollectionID:  req.CollectionID,
		EnvironmentID: req.EnvironmentID,
		Name:          req.Name,
		CronExpr:      req.Cron,
		Enabled:       req.Enabled,
	}
	if req.Enabled {
		next := schedule.Next(time.Now().UTC())
		m.NextRunAt = &next
	}

	if err := s.Monitors.CreateMonitor(r.Context(), m, caller.UserID); err != nil {
		domainError(w, err)
		return
	}

	LoggerFromContext(r.Context()).Info("monitor created",
		"monitor_id", m.ID, "collection_id", m.CollectionID, "cron", m.CronExpr)
	writeJSON(w, http.StatusCreated, m)
}

// HandleGetMonitor returns one monitor.
func (s *Server) HandleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "monitorID")
	if !ok {
		return
	}
	m, ok := s.getTeamMonitor(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleUpdateMonitor replaces the mutable fields of a monitor. The next
// fire time is recomputed from the new schedule; disabling clears it.
func (s *Server) HandleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "monitorID")
	if !ok {
		return
	}
	m, ok := s.getTeamMonitor(w, r, id)
	if !ok {
		return
	}

	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	schedule, err := req.validate()
	if err != nil {
		domainError(w, err)
		return
	}
	if err := s.checkMonitorRefs(r.Context(), caller, req); err != nil {
		domainError(w, err)
		return
	}

	m.Name = req.Name
	m.CollectionID = req.CollectionID
	m.EnvironmentID = req.EnvironmentID
	m.CronExpr = req.Cron
	m.Enabled = req.Enabled
	if req.Enabled {
		next := schedule.Next(time.Now().UTC())
		m.NextRunAt = &next
	} else {
		m.NextRunAt = nil
	}

	if err := s.Monitors.UpdateMonitor(r.Context(), m); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleDeleteMonitor removes a monitor. Past runs it triggered remain.
func (s *Server) HandleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "monitorID")
	if !ok {
		return
	}
	if _, ok := s.getTeamMonitor(w, r, id); !ok {
		return
	}

	if err := s.Monitors.DeleteMonitor(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
