package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/postgres"
	"github.com/codeops/courier/internal/runner"
)

// ssePollInterval is the fallback refresh cadence for run event streams.
// LISTEN/NOTIFY delivers updates promptly when the event bus is wired;
// the poll doubles as a keepalive.
const ssePollInterval = 5 * time.Second

// RunStarter launches collection runs. Implemented by runner.Runner;
// tests substitute a fake to exercise the HTTP layer alone.
type RunStarter interface {
	Start(ctx context.Context, req runner.StartRequest) (*domain.RunResult, error)
}

// RunStore defines the read operations needed by run handlers.
// Implemented by postgres.RunStore; writes go through the runner.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.RunResult, error)
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]domain.RunResult, error)
	CountRuns(ctx context.Context, filter postgres.RunFilter) (int, error)
	ListIterations(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.RunIteration, error)
	CountIterations(ctx context.Context, runID uuid.UUID) (int, error)
}

// StartRunRequest is the body of POST /runner/start. DataContent is
// base64 on the wire; dataFileId references a previously uploaded file
// and wins over inline content.
type StartRunRequest struct {
	CollectionID           uuid.UUID  `json:"collectionId"`
	EnvironmentID          *uuid.UUID `json:"environmentId,omitempty"`
	IterationCount         int        `json:"iterationCount"`
	DelayBetweenRequestsMs int        `json:"delayBetweenRequestsMs"`
	DataFileID             *uuid.UUID `json:"dataFileId,omitempty"`
	DataFilename           string     `json:"dataFilename,omitempty"`
	DataContent            []byte     `json:"dataContent,omitempty"`
	SaveToHistory          bool       `json:"saveToHistory"`
}

// RunStatusResponse is a persisted run row merged with live registry
// state. Live is true while this process owns the run; its in-memory
// status is fresher than the stored row.
type RunStatusResponse struct {
	domain.RunResult
	Live bool `json:"live"`
}

// MountRunnerRoutes registers run endpoints on the router.
func MountRunnerRoutes(r chi.Router, srv *Server) {
	r.Route("/runner", func(r chi.Router) {
		r.Post("/start", srv.HandleStartRun)
		r.Get("/runs", srv.HandleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetRun)
			r.Post("/cancel", srv.HandleCancelRun)
			r.Get("/iterations", srv.HandleListRunIterations)
			r.Get("/events", srv.HandleRunEvents)
		})
	})
}

// runStatus merges a persisted run with the registry's live view.
func (s *Server) runStatus(run *domain.RunResult) RunStatusResponse {
	resp := RunStatusResponse{RunResult: *run}
	if s.Registry != nil {
		if h, ok := s.Registry.Get(run.ID); ok {
			resp.Status = h.Status()
			resp.Live = true
		}
	}
	return resp
}

// getTeamRun loads a run and enforces team scope, writing the error
// response itself on failure.
func (s *Server) getTeamRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.RunResult, bool) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return nil, false
	}
	run, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load run", err)
		return nil, false
	}
	if run == nil {
		errorJSON(w, "run "+id.String()+" not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	if !sameTeam(w, caller, run.TeamID, "run") {
		return nil, false
	}
	return run, true
}

// HandleStartRun launches an asynchronous collection run. Iteration and
// delay bounds are enforced by the runner; out-of-range values are
// Validation errors, never silently adjusted.
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.CollectionID == uuid.Nil {
		errorJSON(w, "collectionId is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	run, err := s.Starter.Start(r.Context(), runner.StartRequest{
		CollectionID:  req.CollectionID,
		EnvironmentID: req.EnvironmentID,
		Iterations:    req.IterationCount,
		DelayMs:       req.DelayBetweenRequestsMs,
		DataFileID:    req.DataFileID,
		DataFilename:  req.DataFilename,
		DataContent:   req.DataContent,
		SaveToHistory: req.SaveToHistory,
		Caller:        caller,
	})
	if err != nil {
		domainError(w, err)
		return
	}

	LoggerFromContext(r.Context()).Info("run started",
		"run_id", run.ID, "collection_id", run.CollectionID, "iterations", run.IterationCount)
	writeJSON(w, http.StatusAccepted, s.runStatus(run))
}

// HandleListRuns returns the team's runs, newest first. Filters:
// collectionId, status.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}

	filter := postgres.RunFilter{TeamID: caller.TeamID}
	if v := r.URL.Query().Get("collectionId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errorJSON(w, "collectionId must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.CollectionID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := strings.ToUpper(v)
		if !domain.ValidRunStatus(st) {
			errorJSON(w, "unknown run status "+v, "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		filter.Status = st
	}
	filter.Limit, filter.Offset = parsePagination(r)

	runs, err := s.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}
	total, err := s.Runs.CountRuns(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to count runs", err)
		return
	}

	results := make([]RunStatusResponse, 0, len(runs))
	for i := range runs {
		results = append(results, s.runStatus(&runs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   results,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// HandleGetRun returns the current status and partial stats of one run.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "runID")
	if !ok {
		return
	}
	run, ok := s.getTeamRun(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.runStatus(run))
}

// HandleCancelRun flips the cancel flag for an in-flight run. The signal
// is non-blocking; the runner observes it at its next checkpoint, so the
// response reports the request, not the outcome.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "runID")
	if !ok {
		return
	}
	run, ok := s.getTeamRun(w, r, id)
	if !ok {
		return
	}

	if run.Status.IsTerminal() {
		errorJSON(w, "run is already "+string(run.Status), "CONFLICT", http.StatusConflict)
		return
	}

	if s.Registry == nil || !s.Registry.Cancel(id) {
		// Not owned by this process (restart, or still queued). The flag
		// cannot reach it; the reaper handles stranded RUNNING rows.
		LoggerFromContext(r.Context()).Warn("cancel requested for run not active in this process", "run_id", id)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":           id,
		"cancelRequested": true,
	})
}

// HandleListRunIterations returns the run's per-request records, paginated.
func (s *Server) HandleListRunIterations(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "runID")
	if !ok {
		return
	}
	if _, ok := s.getTeamRun(w, r, id); !ok {
		return
	}
	limit, offset := parsePagination(r)

	iterations, err := s.Runs.ListIterations(r.Context(), id, limit, offset)
	if err != nil {
		internalError(w, "failed to list iterations", err)
		return
	}
	total, err := s.Runs.CountIterations(r.Context(), id)
	if err != nil {
		internalError(w, "failed to count iterations", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"iterations": iterations,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// runEventMatches reports whether a bus event refers to the given run.
func runEventMatches(ev postgres.Event, runID uuid.UUID) bool {
	var payload postgres.RunEventPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	return payload.RunID == runID.String()
}

// HandleRunEvents streams run progress as Server-Sent Events. Events:
//
//	status    — current merged run state (sent on connect and every poll)
//	progress  — state refresh triggered by a run_progress notification
//	completed — terminal state; the stream ends after this event
//	error     — stream-level failure (TIMEOUT when the cap is reached)
//
// The stream ends on terminal status, client disconnect, or after
// MaxSSEDurationSeconds.
func (s *Server) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		errorJSON(w, "this endpoint streams text/event-stream", "INVALID_ARGUMENT", http.StatusNotAcceptable)
		return
	}

	id, ok := uuidParam(w, r, "runID")
	if !ok {
		return
	}
	run, ok := s.getTeamRun(w, r, id)
	if !ok {
		return
	}

	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent event streams", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	// The stream outlives the server's global write timeout; clear the
	// connection deadline and enforce MaxSSEDurationSeconds ourselves.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sendEvent := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	current := s.runStatus(run)
	if !sendEvent("status", current) || current.Status.IsTerminal() {
		return
	}

	// Nil channels when no event bus is wired; the select then only sees
	// the poll ticker, the deadline, and the client context.
	var progress, completed <-chan postgres.Event
	if s.Events != nil {
		var stopProgress, stopCompleted func()
		progress, stopProgress = s.Events.Subscribe(postgres.ChannelRunProgress)
		defer stopProgress()
		completed, stopCompleted = s.Events.Subscribe(postgres.ChannelRunCompleted)
		defer stopCompleted()
	}

	deadline := time.NewTimer(MaxSSEDurationSeconds * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()

	// refresh re-reads the run and emits it under the given event name.
	// Returns true when the stream is finished.
	refresh := func(event string) bool {
		latest, err := s.Runs.GetRun(r.Context(), run.ID)
		if err != nil || latest == nil {
			return false
		}
		st := s.runStatus(latest)
		if !sendEvent(event, st) {
			return true
		}
		return st.Status.IsTerminal()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			sendEvent("error", map[string]string{
				"code":    "TIMEOUT",
				"message": "stream exceeded maximum duration",
			})
			return
		case ev, open := <-progress:
			if !open {
				progress = nil
				continue
			}
			if runEventMatches(ev, run.ID) && refresh("progress") {
				return
			}
		case ev, open := <-completed:
			if !open {
				completed = nil
				continue
			}
			if runEventMatches(ev, run.ID) && refresh("completed") {
				return
			}
		case <-poll.C:
			if refresh("status") {
				return
			}
		}
	}
}
