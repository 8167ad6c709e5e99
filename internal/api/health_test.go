package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/api"
)

func TestHealthz_ReturnsVersionInfo(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dev", body["version"])
	assert.NotEmpty(t, body["go_version"])
}

func TestHealthz_IgnoresUnhealthyDependencies(t *testing.T) {
	srv, _ := newTestServer()
	srv.DBHealth = &stubHealthChecker{err: errors.New("connection refused")}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code, "liveness only says the process is up")
}

func TestReadyz_NoDependencies_Ready(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Empty(t, body.Checks)
}

func TestReadyz_AllDependenciesHealthy_Ready(t *testing.T) {
	srv, _ := newTestServer()
	srv.DBHealth = &stubHealthChecker{}
	srv.S3Health = &stubHealthChecker{}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "ok", body.Checks["postgres"].Status)
	assert.Equal(t, "ok", body.Checks["object_store"].Status)
}

func TestReadyz_DatabaseDown_NotReady(t *testing.T) {
	srv, _ := newTestServer()
	srv.DBHealth = &stubHealthChecker{err: errors.New("connection refused")}
	srv.S3Health = &stubHealthChecker{}
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "error", body.Checks["postgres"].Status)
	assert.Contains(t, body.Checks["postgres"].Error, "connection refused")
	assert.Equal(t, "ok", body.Checks["object_store"].Status, "one bad dependency does not hide the others")
}

func TestMetrics_ServesPrometheusExposition(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
