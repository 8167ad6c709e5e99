package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/api"
	"github.com/codeops/courier/internal/domain"
)

func seedHistory(st *testStores, teamID uuid.UUID, method, url string, status int) domain.RequestHistory {
	e := domain.RequestHistory{
		ID:             uuid.New(),
		TeamID:         teamID,
		UserID:         testUserID,
		Method:         method,
		URL:            url,
		ResponseStatus: status,
		CreatedAt:      time.Now().UTC(),
	}
	st.history.entries = append(st.history.entries, e)
	return e
}

func TestListHistory_FiltersByMethodAndStatus(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	seedHistory(st, testTeamID, "GET", "https://api.test/users", 200)
	seedHistory(st, testTeamID, "POST", "https://api.test/users", 201)
	seedHistory(st, testTeamID, "GET", "https://api.test/orders", 500)
	seedHistory(st, otherTeamID, "GET", "https://api.test/foreign", 200)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?method=get&status=200", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		History []domain.RequestHistory `json:"history"`
		Total   int                     `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "https://api.test/users", resp.History[0].URL)
	assert.Equal(t, testTeamID, resp.History[0].TeamID)
}

func TestListHistory_SearchByURLSubstring(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	seedHistory(st, testTeamID, "GET", "https://api.test/users/42", 200)
	seedHistory(st, testTeamID, "GET", "https://api.test/orders/7", 200)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?q=ORDERS", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		History []domain.RequestHistory `json:"history"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.History, 1)
	assert.Contains(t, resp.History[0].URL, "orders")
}

func TestListHistory_InvalidCollectionID_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?collectionId=banana", ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "collectionId must be a UUID", decodeAPIError(t, rec).Error.Message)
}

func TestListHistory_UnsupportedMethod_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?method=BREW", ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `unsupported method "BREW"`, decodeAPIError(t, rec).Error.Message)
}

func TestListHistory_NegativeStatus_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?status=-1", ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status must be a non-negative integer", decodeAPIError(t, rec).Error.Message)
}

func TestListHistory_FilterByRunID(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	runID := uuid.New()
	seedHistory(st, testTeamID, "GET", "https://api.test/a", 200)
	st.history.entries[0].RunID = &runID
	seedHistory(st, testTeamID, "GET", "https://api.test/b", 200)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?runId="+runID.String(), ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		History []domain.RequestHistory `json:"history"`
		Total   int                     `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.History, 1)
	require.NotNil(t, resp.History[0].RunID)
	assert.Equal(t, runID, *resp.History[0].RunID)
}

func TestGetHistory_ReturnsEntry(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	e := seedHistory(st, testTeamID, "GET", "https://api.test/one", 200)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history/"+e.ID.String(), ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.RequestHistory
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.URL, got.URL)
}

func TestGetHistory_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	id := "7f9a2b3c-0000-4000-8000-000000000002"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history/"+id, ""))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "history entry "+id+" not found", decodeAPIError(t, rec).Error.Message)
}

func TestGetHistory_ForeignTeam_Forbidden(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	e := seedHistory(st, otherTeamID, "GET", "https://api.test/private", 200)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history/"+e.ID.String(), ""))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "history entry belongs to another team", decodeAPIError(t, rec).Error.Message)
}

func TestListHistory_Pagination(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	for i := 0; i < 5; i++ {
		seedHistory(st, testTeamID, "GET", "https://api.test/page", 200)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/history?limit=2&offset=3", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		History []domain.RequestHistory `json:"history"`
		Total   int                     `json:"total"`
		Limit   int                     `json:"limit"`
		Offset  int                     `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.History, 2)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Equal(t, 3, resp.Offset)
}
