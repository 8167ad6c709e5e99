// Package api provides the HTTP handlers and middleware for courierd.
// Business endpoints are mounted under /api/v1 and require a caller
// identity (X-User-ID / X-Team-ID / X-Roles, validated upstream); the
// ops endpoints /healthz, /readyz, and /metrics sit outside the tree.
//
// Handlers are a thin shim: they decode, call into the core packages,
// and map the domain error taxonomy onto HTTP statuses. Upstream and
// script failures are payloads, never API errors.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/codeops/courier/internal/cache"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/metrics"
	"github.com/codeops/courier/internal/postgres"
	"github.com/codeops/courier/internal/proxy"
	"github.com/codeops/courier/internal/runner"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
// Multipart uploads manage their own limit (Server.MaxDataFileBytes).
const maxJSONBodySize = 1 << 20

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// Structured error type codes for machine-readable error categorization.
// These classify errors into broad categories independent of the HTTP status code.
const (
	ErrorTypeValidation     = "VALIDATION"     // request data failed validation
	ErrorTypeAuthentication = "AUTHENTICATION" // missing or invalid identity headers
	ErrorTypeAuthorization  = "AUTHORIZATION"  // valid identity but insufficient permissions
	ErrorTypeNotFound       = "NOT_FOUND"      // requested resource does not exist
	ErrorTypeConflict       = "CONFLICT"       // request conflicts with current resource state
	ErrorTypeRateLimit      = "RATE_LIMIT"     // too many requests
	ErrorTypeInternal       = "INTERNAL"       // unexpected server error
	ErrorTypeUnavailable    = "UNAVAILABLE"    // dependency not available
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"` // broad error category (VALIDATION, NOT_FOUND, etc.)
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypeAuthorization
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response.
// All API errors use this format so clients only need to handle one shape.
// The type field is automatically derived from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// domainError maps the core error taxonomy onto HTTP statuses:
// NotFound→404, Validation→400, Authorization→403, AlreadyExists→409,
// everything else→500 with the message scrubbed to a generic string.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		errorJSON(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	case errors.Is(err, domain.ErrAuthorization):
		errorJSON(w, err.Error(), "PERMISSION_DENIED", http.StatusForbidden)
	case errors.Is(err, domain.ErrAlreadyExists):
		errorJSON(w, err.Error(), "ALREADY_EXISTS", http.StatusConflict)
	default:
		internalError(w, "internal error", err)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
// Logs an error if encoding fails (response may be partial at that point).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// uuidParam parses the named chi URL parameter as a UUID. On failure it
// writes a 400 and returns false.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errorJSON(w, name+" must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// sameTeam enforces team scoping on a loaded resource. Writes a 403 and
// returns false when the resource belongs to another team.
func sameTeam(w http.ResponseWriter, caller domain.Caller, teamID uuid.UUID, resource string) bool {
	if teamID != caller.TeamID {
		errorJSON(w, resource+" belongs to another team", "PERMISSION_DENIED", http.StatusForbidden)
		return false
	}
	return true
}

// limitJSONBody caps request body size for non-multipart requests.
// The data-file upload endpoint (multipart/form-data) manages its own limit.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0") // modern browsers: CSP replaces this
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Collections  CollectionStore
	Folders      FolderStore
	Requests     RequestStore
	Environments EnvironmentStore
	Globals      GlobalStore
	History      HistoryStore
	Runs         RunStore
	Monitors     MonitorStore
	DataFiles    DataFileStore
	Settings     SettingsStore

	Executor *proxy.Executor   // outbound request execution; required for /proxy/send
	Starter  RunStarter        // collection run launcher; required for /runner/start
	Registry *runner.Registry  // live-run lookups for status merge and cancel
	Reaper   ReaperRunner      // Optional: manual retention sweep trigger
	Events   postgres.EventBus // Optional: run progress notifications for SSE; nil falls back to polling
	Blobs    DataFileBlobStore // Optional: object storage for uploaded data files

	Metrics *metrics.Recorder // nil-safe; Handler() falls back to the default registry

	CORSOrigins      []string         // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	RateLimit        *RateLimitConfig // Per-team rate limiting config. Nil disables rate limiting.
	RateLimiterStop  func()           // Populated by NewRouter when rate limiting is enabled.
	SSELimiter       *SSELimiter      // Concurrent SSE connection limiter. Nil = uses a default limiter.
	MaxDataFileBytes int64            // Upload cap for /datafiles. Zero = 5 MiB.

	DBHealth HealthChecker // Postgres health check (pool.Ping). Nil = skip.
	S3Health HealthChecker // MinIO health check (BucketExists). Nil = skip.

	// Caches keep the proxy hot path off Postgres for slow-changing
	// lookups. Nil caches are safe — handlers check before using.
	// Mutating handlers invalidate on write.
	ActiveEnvCache  *cache.Cache[uuid.UUID, *domain.Environment] // key: team id → active environment
	CollectionCache *cache.Cache[uuid.UUID, *domain.Collection]  // key: collection id
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	// Ensure SSE limiter is always available.
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter(0, 0)
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	// With AllowCredentials, Access-Control-Allow-Origin must not be "*".
	// A configured wildcard switches to dynamic origin reflection instead.
	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
			break
		}
	}

	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-User-ID", "X-Team-ID", "X-Roles"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	if hasWildcard {
		slog.Warn("CORS: wildcard origin '*' with AllowCredentials — using dynamic origin reflection")
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Ops endpoints (unauthenticated, outside /api/v1)
	r.Get("/healthz", srv.HandleHealthz)
	r.Get("/readyz", srv.HandleReadyz)
	r.Get("/metrics", srv.HandleMetrics)

	// API v1 — identity required, rate-limited per team.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		r.Use(Identity)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}

		MountProxyRoutes(r, srv)
		MountRunnerRoutes(r, srv)
		MountHistoryRoutes(r, srv)
		MountCollectionRoutes(r, srv)
		MountFolderRoutes(r, srv)
		MountRequestRoutes(r, srv)
		MountEnvironmentRoutes(r, srv)
		MountGlobalRoutes(r, srv)
		if srv.Monitors != nil {
			MountMonitorRoutes(r, srv)
		}
		if srv.DataFiles != nil {
			MountDataFileRoutes(r, srv)
		}
		if srv.Settings != nil {
			MountRetentionRoutes(r, srv)
		}
	})

	return r
}
