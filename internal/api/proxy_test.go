package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/api"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/proxy"
)

// proxyResponseJSON is the wire shape of a successful /proxy/send.
type proxyResponseJSON struct {
	StatusCode       int                 `json:"statusCode"`
	StatusText       string              `json:"statusText"`
	ResponseHeaders  map[string][]string `json:"responseHeaders"`
	ResponseBody     string              `json:"responseBody"`
	ResponseTimeMs   int64               `json:"responseTimeMs"`
	SizeBytes        int64               `json:"responseSizeBytes"`
	RedirectChain    []string            `json:"redirectChain"`
	RedirectOverflow bool                `json:"redirectOverflow"`
	Unresolved       []string            `json:"unresolvedVariables"`
	ErrorMarker      string              `json:"error"`
	HistoryID        *string             `json:"historyId"`
}

// echoPayload is what the test upstream reflects back.
type echoPayload struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query"`
	Who    string `json:"who"`
	Auth   string `json:"auth"`
	Body   string `json:"body"`
}

// newEchoUpstream starts an upstream that reflects request facts as JSON.
func newEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoPayload{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Who:    r.Header.Get("X-Who"),
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
	}))
	t.Cleanup(s.Close)
	return s
}

// attachExecutor wires a real executor (with history recording into the
// in-memory store) onto the test server.
func attachExecutor(t *testing.T, srv *api.Server, st *testStores) {
	t.Helper()
	rec := proxy.NewRecorder(st.history, nil, 0, nil)
	ex, err := proxy.NewExecutor(proxy.Limits{}, rec, nil)
	require.NoError(t, err)
	srv.Executor = ex
}

func sendProxy(t *testing.T, router http.Handler, body string) (*httptest.ResponseRecorder, proxyResponseJSON) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedJSON(http.MethodPost, "/api/v1/proxy/send", body))
	var out proxyResponseJSON
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	}
	return rec, out
}

func TestProxySend_EnvironmentOverridesCollectionAndGlobal(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	st.globals.globals = append(st.globals.globals,
		domain.GlobalVariable{TeamID: testTeamID, Key: "baseUrl", Value: upstream.URL, IsEnabled: true},
		domain.GlobalVariable{TeamID: testTeamID, Key: "who", Value: "from-global", IsEnabled: true},
	)
	col := seedCollection(st, testTeamID, "c")
	st.collections.variables[col.ID] = []domain.Variable{
		{Key: "who", Value: "from-collection", Scope: domain.ScopeCollection, OwnerID: col.ID, IsEnabled: true},
	}
	seedEnvironment(st, testTeamID, "active", true,
		domain.Variable{Key: "who", Value: "from-environment", IsEnabled: true})

	body := `{
		"method":"GET",
		"url":"{{baseUrl}}/probe",
		"collectionId":"` + col.ID.String() + `",
		"headers":[{"key":"X-Who","value":"{{who}}","isEnabled":true}]
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Equal(t, "/probe", echo.Path)
	assert.Equal(t, "from-environment", echo.Who, "environment scope wins over collection and global")
	assert.Empty(t, resp.Unresolved)
}

func TestProxySend_SecretValuesExpandOnTheWire(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	seedEnvironment(st, testTeamID, "active", true,
		domain.Variable{Key: "token", Value: "tok-998877", IsSecret: true, IsEnabled: true})

	body := `{
		"method":"GET",
		"url":"` + upstream.URL + `/secure",
		"headers":[{"key":"Authorization","value":"Bearer {{token}}","isEnabled":true}]
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Equal(t, "Bearer tok-998877", echo.Auth, "secrets are masked in listings, not on the wire")
}

func TestProxySend_AppendsEnabledQueryParams(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	st.globals.globals = append(st.globals.globals,
		domain.GlobalVariable{TeamID: testTeamID, Key: "page", Value: "3", IsEnabled: true})

	body := `{
		"method":"GET",
		"url":"` + upstream.URL + `/list",
		"queryParams":[
			{"key":"page","value":"{{page}}","isEnabled":true},
			{"key":"debug","value":"1","isEnabled":false}
		]
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Equal(t, "page=3", echo.Query, "disabled rows never reach the wire")
}

func TestProxySend_ExpandsRawBody(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	st.globals.globals = append(st.globals.globals,
		domain.GlobalVariable{TeamID: testTeamID, Key: "qty", Value: "7", IsEnabled: true})

	body := `{
		"method":"POST",
		"url":"` + upstream.URL + `/orders",
		"body":{"type":"RAW_JSON","raw":"{\"qty\":{{qty}}}"}
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Equal(t, "POST", echo.Method)
	assert.JSONEq(t, `{"qty":7}`, echo.Body)
}

func TestProxySend_ReportsUnresolvedVariables(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	body := `{
		"method":"GET",
		"url":"` + upstream.URL + `/x",
		"headers":[{"key":"X-Who","value":"{{ghost}}","isEnabled":true}]
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, resp.Unresolved, "ghost")
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Empty(t, echo.Who, "unknown names expand to the empty string")
}

func TestProxySend_FollowsRedirectsAndRecordsChain(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("landed"))
	})

	rec, resp := sendProxy(t, router, `{"method":"GET","url":"`+upstream.URL+`/start"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "landed", resp.ResponseBody)
	require.Len(t, resp.RedirectChain, 1)
	assert.Equal(t, upstream.URL+"/final", resp.RedirectChain[0])
	assert.False(t, resp.RedirectOverflow)
}

func TestProxySend_FollowRedirectsFalse_ReturnsRedirectItself(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	t.Cleanup(upstream.Close)

	rec, resp := sendProxy(t, router, `{"method":"GET","url":"`+upstream.URL+`","followRedirects":false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Empty(t, resp.RedirectChain)
	assert.Contains(t, resp.ResponseHeaders["Location"], "/elsewhere")
}

func TestProxySend_UpstreamUnreachable_ReturnsMarkerNotError(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	// Port 1 is essentially never listening.
	rec, resp := sendProxy(t, router, `{"method":"GET","url":"http://127.0.0.1:1/dead"}`)

	require.Equal(t, http.StatusOK, rec.Code, "upstream failure is payload, not an API error")
	assert.Equal(t, 0, resp.StatusCode)
	assert.Equal(t, domain.MarkerUpstreamUnreachable, resp.ErrorMarker)
}

func TestProxySend_SaveToHistory_PersistsEntry(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	rec, resp := sendProxy(t, router, `{"method":"GET","url":"`+upstream.URL+`/keep","saveToHistory":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.HistoryID)

	require.Len(t, st.history.entries, 1)
	entry := st.history.entries[0]
	assert.Equal(t, entry.ID.String(), *resp.HistoryID)
	assert.Equal(t, testTeamID, entry.TeamID)
	assert.Equal(t, testUserID, entry.UserID)
	assert.Equal(t, "GET", entry.Method)
	assert.Equal(t, upstream.URL+"/keep", entry.URL)
	assert.Equal(t, http.StatusOK, entry.ResponseStatus)
}

func TestProxySend_WithoutSave_LeavesHistoryEmpty(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	rec, resp := sendProxy(t, router, `{"method":"GET","url":"`+upstream.URL+`"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.HistoryID)
	assert.Empty(t, st.history.entries)
}

func TestProxySend_MissingURL_BadRequest(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	rec, _ := sendProxy(t, router, `{"method":"GET","url":"  "}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "url is required", decodeAPIError(t, rec).Error.Message)
}

func TestProxySend_UnsupportedMethod_BadRequest(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	rec, _ := sendProxy(t, router, `{"method":"TRACE","url":"http://x"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported method TRACE", decodeAPIError(t, rec).Error.Message)
}

func TestProxySend_UnknownAuthType_BadRequest(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)

	rec, _ := sendProxy(t, router, `{"method":"GET","url":"http://x","auth":{"type":"PSYCHIC"}}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown auth type PSYCHIC", decodeAPIError(t, rec).Error.Message)
}

func TestProxySend_ExplicitEnvironmentFromAnotherTeam_Forbidden(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	theirs := seedEnvironment(st, otherTeamID, "theirs", false)

	rec, _ := sendProxy(t, router, `{"method":"GET","url":"http://x","environmentId":"`+theirs.ID.String()+`"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "environment "+theirs.ID.String()+" belongs to another team",
		decodeAPIError(t, rec).Error.Message)
}

func TestProxySend_BasicAuthApplied(t *testing.T) {
	srv, st := newTestServer()
	attachExecutor(t, srv, st)
	router := api.NewRouter(srv)
	upstream := newEchoUpstream(t)

	body := `{
		"method":"GET",
		"url":"` + upstream.URL + `",
		"auth":{"type":"BASIC_AUTH","config":{"username":"svc","password":"pw"}}
	}`
	rec, resp := sendProxy(t, router, body)

	require.Equal(t, http.StatusOK, rec.Code)
	var echo echoPayload
	require.NoError(t, json.Unmarshal([]byte(resp.ResponseBody), &echo))
	assert.Equal(t, "Basic c3ZjOnB3", echo.Auth) // base64("svc:pw")
}
