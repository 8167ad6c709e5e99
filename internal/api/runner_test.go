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

func TestStartRun_Returns202Accepted(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")

	body := `{"collectionId":"` + col.ID.String() + `","iterationCount":3,"delayBetweenRequestsMs":10,"saveToHistory":true}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/start", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var run api.RunStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, domain.RunPending, run.Status)
	assert.Equal(t, 3, run.IterationCount)
	assert.False(t, run.Live, "no live handle in the registry")

	last := st.starter.lastRequest()
	require.NotNil(t, last)
	assert.Equal(t, col.ID, last.CollectionID)
	assert.True(t, last.SaveToHistory)
	assert.Equal(t, testUserID, last.Caller.UserID)
	assert.Equal(t, testTeamID, last.Caller.TeamID)
}

func TestStartRun_MissingCollection_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/start", `{"iterationCount":1}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "collectionId is required", decodeAPIError(t, rec).Error.Message)
}

func TestStartRun_ZeroIterations_BadRequest(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")

	body := `{"collectionId":"` + col.ID.String() + `","iterationCount":0}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/start", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "iterationCount must be within [1, 1000], got 0", decodeAPIError(t, rec).Error.Message)
}

func TestStartRun_DelayOutOfRange_BadRequest(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")

	body := `{"collectionId":"` + col.ID.String() + `","iterationCount":1,"delayBetweenRequestsMs":60001}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/start", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "delayBetweenRequestsMs must be within [0, 60000], got 60001", decodeAPIError(t, rec).Error.Message)
}

func TestStartRun_ForwardsInlineDataContent(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")

	payload, err := json.Marshal(map[string]any{
		"collectionId":   col.ID,
		"iterationCount": 2,
		"dataFilename":   "rows.csv",
		"dataContent":    []byte("name\nalice\nbob"),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/start", string(payload)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	last := st.starter.lastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "rows.csv", last.DataFilename)
	assert.Equal(t, []byte("name\nalice\nbob"), last.DataContent)
}

func TestListRuns_FilterByStatus(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")
	seedRun(st, testTeamID, col.ID, domain.RunCompleted)
	seedRun(st, testTeamID, col.ID, domain.RunRunning)
	seedRun(st, otherTeamID, col.ID, domain.RunCompleted)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/runs?status=completed", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs  []api.RunStatusResponse `json:"runs"`
		Total int                     `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, domain.RunCompleted, resp.Runs[0].Status)
	assert.Equal(t, testTeamID, resp.Runs[0].TeamID)
}

func TestListRuns_UnknownStatus_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/runs?status=BOGUS", ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown run status BOGUS", decodeAPIError(t, rec).Error.Message)
}

func TestListRuns_InvalidCollectionFilter_BadRequest(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/runs?collectionId=nope", ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "collectionId must be a UUID", decodeAPIError(t, rec).Error.Message)
}

func TestListRuns_FilterByCollection(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	colA := seedCollection(st, testTeamID, "a")
	colB := seedCollection(st, testTeamID, "b")
	seedRun(st, testTeamID, colA.ID, domain.RunCompleted)
	seedRun(st, testTeamID, colB.ID, domain.RunCompleted)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/runs?collectionId="+colA.ID.String(), ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []api.RunStatusResponse `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, colA.ID, resp.Runs[0].CollectionID)
}

func TestGetRun_ReturnsStoredRow(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")
	run := seedRun(st, testTeamID, col.ID, domain.RunRunning)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/"+run.ID.String(), ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var got api.RunStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, domain.RunRunning, got.Status)
	assert.False(t, got.Live)
}

func TestGetRun_ForeignTeam_Forbidden(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, otherTeamID, "theirs")
	run := seedRun(st, otherTeamID, col.ID, domain.RunRunning)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/"+run.ID.String(), ""))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "run belongs to another team", decodeAPIError(t, rec).Error.Message)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	router := api.NewRouter(srv)

	id := "5a3b9cd2-0000-4000-8000-000000000003"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/"+id, ""))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run "+id+" not found", decodeAPIError(t, rec).Error.Message)
}

func TestCancelRun_TerminalRun_Conflict(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")
	run := seedRun(st, testTeamID, col.ID, domain.RunCompleted)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/"+run.ID.String()+"/cancel", ""))

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeAPIError(t, rec)
	assert.Equal(t, "CONFLICT", body.Error.Code)
	assert.Equal(t, "run is already COMPLETED", body.Error.Message)
}

func TestCancelRun_NotOwnedByProcess_StillAccepted(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")
	run := seedRun(st, testTeamID, col.ID, domain.RunRunning)

	// The registry has no handle for this run (e.g. started before a
	// restart); the cancel request is still acknowledged.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/runner/"+run.ID.String()+"/cancel", ""))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		RunID           uuid.UUID `json:"runId"`
		CancelRequested bool      `json:"cancelRequested"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, run.ID, resp.RunID)
	assert.True(t, resp.CancelRequested)
}

func TestListRunIterations_Paginated(t *testing.T) {
	srv, st := newTestServer()
	router := api.NewRouter(srv)
	col := seedCollection(st, testTeamID, "c")
	run := seedRun(st, testTeamID, col.ID, domain.RunCompleted)

	now := time.Now().UTC()
	for i := 1; i <= 4; i++ {
		st.runs.iterations[run.ID] = append(st.runs.iterations[run.ID], domain.RunIteration{
			ID:              uuid.New(),
			RunID:           run.ID,
			IterationNumber: i,
			RequestName:     "probe",
			Method:          "GET",
			URL:             "https://api.test/probe",
			ResponseStatus:  200,
			Passed:          true,
			CreatedAt:       now,
		})
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodGet, "/api/v1/runner/"+run.ID.String()+"/iterations?limit=2&offset=1", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Iterations []domain.RunIteration `json:"iterations"`
		Total      int                   `json:"total"`
		Limit      int                   `json:"limit"`
		Offset     int                   `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Iterations, 2)
	assert.Equal(t, 4, resp.Total)
	assert.Equal(t, 2, resp.Iterations[0].IterationNumber)
	assert.Equal(t, 3, resp.Iterations[1].IterationNumber)
}
