package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codeops/courier/internal/domain"
)

// SettingsStore defines the persistence interface for platform settings.
// Implemented by postgres.SettingsStore.
type SettingsStore interface {
	GetRetentionConfig(ctx context.Context) (domain.RetentionConfig, error)
	PutRetentionConfig(ctx context.Context, cfg domain.RetentionConfig) error
	GetReaperStatus(ctx context.Context) (*domain.ReaperStatus, error)
}

// ReaperRunner allows the API to trigger a manual retention sweep.
type ReaperRunner interface {
	RunNow(ctx context.Context) (*domain.ReaperStatus, error)
}

// RetentionConfigResponse wraps the retention config for API responses.
type RetentionConfigResponse struct {
	Config domain.RetentionConfig `json:"config"`
}

// MountRetentionRoutes registers retention administration endpoints.
func MountRetentionRoutes(r chi.Router, srv *Server) {
	r.Get("/admin/retention/config", srv.HandleGetRetentionConfig)
	r.Put("/admin/retention/config", srv.HandlePutRetentionConfig)
	r.Get("/admin/retention/status", srv.HandleGetReaperStatus)
	r.Post("/admin/retention/run", srv.HandleTriggerReaper)
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(w http.ResponseWriter, caller domain.Caller) bool {
	if !caller.HasRole("admin") {
		errorJSON(w, "admin role required", "PERMISSION_DENIED", http.StatusForbidden)
		return false
	}
	return true
}

// HandleGetRetentionConfig returns the system retention config.
func (s *Server) HandleGetRetentionConfig(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustCaller(w, r); !ok {
		return
	}

	cfg, err := s.Settings.GetRetentionConfig(r.Context())
	if err != nil {
		internalError(w, "failed to load retention config", err)
		return
	}
	writeJSON(w, http.StatusOK, RetentionConfigResponse{Config: cfg})
}

// HandlePutRetentionConfig updates the system retention config.
// Admin only: the config is platform-wide, not per team.
func (s *Server) HandlePutRetentionConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	if !requireAdmin(w, caller) {
		return
	}

	var cfg domain.RetentionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if cfg.HistoryMaxAgeDays < 1 {
		errorJSON(w, "history_max_age_days must be >= 1", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if cfg.RunsMaxAgeDays < 1 {
		errorJSON(w, "runs_max_age_days must be >= 1", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if cfg.StuckRunTimeoutMinutes < 1 {
		errorJSON(w, "stuck_run_timeout_minutes must be >= 1", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if cfg.ReaperIntervalMinutes < 1 {
		errorJSON(w, "reaper_interval_minutes must be >= 1", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if err := s.Settings.PutRetentionConfig(r.Context(), cfg); err != nil {
		internalError(w, "failed to save retention config", err)
		return
	}

	LoggerFromContext(r.Context()).Info("retention config updated",
		"history_max_age_days", cfg.HistoryMaxAgeDays,
		"runs_max_age_days", cfg.RunsMaxAgeDays)
	writeJSON(w, http.StatusOK, RetentionConfigResponse{Config: cfg})
}

// HandleGetReaperStatus returns the last retention sweep stats.
func (s *Server) HandleGetReaperStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := mustCaller(w, r); !ok {
		return
	}

	status, err := s.Settings.GetReaperStatus(r.Context())
	if err != nil {
		internalError(w, "failed to get reaper status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleTriggerReaper runs a retention sweep immediately.
func (s *Server) HandleTriggerReaper(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	if !requireAdmin(w, caller) {
		return
	}
	if s.Reaper == nil {
		errorJSON(w, "reaper is not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	status, err := s.Reaper.RunNow(r.Context())
	if err != nil {
		internalError(w, "reaper run failed", err)
		return
	}

	LoggerFromContext(r.Context()).Info("manual retention sweep completed",
		"history_pruned", status.HistoryPruned,
		"runs_pruned", status.RunsPruned,
		"runs_orphaned", status.RunsOrphaned)
	writeJSON(w, http.StatusAccepted, status)
}
