package api_test

// Shared fixtures for handler tests: in-memory fakes standing in for the
// Postgres stores, a stub run starter, and helpers for building
// authenticated requests against the full router.

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/api"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/postgres"
	"github.com/codeops/courier/internal/runner"
)

var (
	testUserID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testTeamID  = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	otherTeamID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

// window applies limit/offset the way the SQL stores do.
func window[T any](list []T, limit, offset int) []T {
	if offset >= len(list) {
		return []T{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return append([]T(nil), list...)
}

// --- collection store ---

type memoryCollectionStore struct {
	mu          sync.Mutex
	collections []domain.Collection
	variables   map[uuid.UUID][]domain.Variable
}

func newMemoryCollectionStore() *memoryCollectionStore {
	return &memoryCollectionStore{variables: make(map[uuid.UUID][]domain.Variable)}
}

func (s *memoryCollectionStore) CreateCollection(_ context.Context, c *domain.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.collections = append(s.collections, *c)
	return nil
}

func (s *memoryCollectionStore) GetCollection(_ context.Context, id uuid.UUID) (*domain.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.collections {
		if s.collections[i].ID == id {
			c := s.collections[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryCollectionStore) ListCollections(_ context.Context, teamID uuid.UUID, limit, offset int) ([]domain.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Collection
	for _, c := range s.collections {
		if c.TeamID == teamID {
			out = append(out, c)
		}
	}
	return window(out, limit, offset), nil
}

func (s *memoryCollectionStore) CountCollections(_ context.Context, teamID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.collections {
		if c.TeamID == teamID {
			n++
		}
	}
	return n, nil
}

func (s *memoryCollectionStore) UpdateCollection(_ context.Context, c *domain.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.collections {
		if s.collections[i].ID == c.ID {
			c.UpdatedAt = time.Now().UTC()
			s.collections[i] = *c
			return nil
		}
	}
	return domain.NotFoundf("collection %s not found", c.ID)
}

func (s *memoryCollectionStore) DeleteCollection(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.collections {
		if s.collections[i].ID == id {
			s.collections = append(s.collections[:i], s.collections[i+1:]...)
			delete(s.variables, id)
			return nil
		}
	}
	return domain.NotFoundf("collection %s not found", id)
}

func (s *memoryCollectionStore) ListCollectionVariables(_ context.Context, collectionID uuid.UUID) ([]domain.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Variable(nil), s.variables[collectionID]...), nil
}

func (s *memoryCollectionStore) ReplaceCollectionVariables(_ context.Context, collectionID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := make([]domain.Variable, 0, len(vars))
	for _, v := range vars {
		v.ID = uuid.New()
		v.OwnerID = collectionID
		v.CreatedAt, v.UpdatedAt = now, now
		stored = append(stored, v)
	}
	s.variables[collectionID] = stored
	return append([]domain.Variable(nil), stored...), nil
}

// --- folder store ---

type memoryFolderStore struct {
	mu      sync.Mutex
	folders []domain.Folder
}

func newMemoryFolderStore() *memoryFolderStore { return &memoryFolderStore{} }

func (s *memoryFolderStore) CreateFolder(_ context.Context, f *domain.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	s.folders = append(s.folders, *f)
	return nil
}

func (s *memoryFolderStore) GetFolder(_ context.Context, id uuid.UUID) (*domain.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == id {
			f := s.folders[i]
			return &f, nil
		}
	}
	return nil, nil
}

func (s *memoryFolderStore) ListFolders(_ context.Context, collectionID uuid.UUID) ([]domain.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Folder
	for _, f := range s.folders {
		if f.CollectionID == collectionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memoryFolderStore) UpdateFolder(_ context.Context, f *domain.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == f.ID {
			f.UpdatedAt = time.Now().UTC()
			s.folders[i] = *f
			return nil
		}
	}
	return domain.NotFoundf("folder %s not found", f.ID)
}

func (s *memoryFolderStore) DeleteFolder(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == id {
			s.folders = append(s.folders[:i], s.folders[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("folder %s not found", id)
}

// --- request store ---

type memoryRequestStore struct {
	mu       sync.Mutex
	requests []domain.RequestDef
}

func newMemoryRequestStore() *memoryRequestStore { return &memoryRequestStore{} }

func (s *memoryRequestStore) CreateRequest(_ context.Context, r *domain.RequestDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.requests = append(s.requests, *r)
	return nil
}

func (s *memoryRequestStore) GetRequest(_ context.Context, id uuid.UUID) (*domain.RequestDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.requests {
		if s.requests[i].ID == id {
			r := s.requests[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memoryRequestStore) ListRequests(_ context.Context, collectionID uuid.UUID) ([]domain.RequestDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RequestDef
	for _, r := range s.requests {
		if r.CollectionID == collectionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryRequestStore) UpdateRequest(_ context.Context, r *domain.RequestDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.requests {
		if s.requests[i].ID == r.ID {
			r.UpdatedAt = time.Now().UTC()
			s.requests[i] = *r
			return nil
		}
	}
	return domain.NotFoundf("request %s not found", r.ID)
}

func (s *memoryRequestStore) DeleteRequest(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.requests {
		if s.requests[i].ID == id {
			s.requests = append(s.requests[:i], s.requests[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("request %s not found", id)
}

// --- environment store ---

type memoryEnvironmentStore struct {
	mu   sync.Mutex
	envs []domain.Environment
}

func newMemoryEnvironmentStore() *memoryEnvironmentStore { return &memoryEnvironmentStore{} }

func (s *memoryEnvironmentStore) CreateEnvironment(_ context.Context, e *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	for i := range e.Variables {
		e.Variables[i].ID = uuid.New()
		e.Variables[i].OwnerID = e.ID
		e.Variables[i].CreatedAt, e.Variables[i].UpdatedAt = now, now
	}
	s.envs = append(s.envs, *e)
	return nil
}

func (s *memoryEnvironmentStore) GetEnvironment(_ context.Context, id uuid.UUID) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.envs {
		if s.envs[i].ID == id {
			e := s.envs[i]
			e.Variables = append([]domain.Variable(nil), s.envs[i].Variables...)
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memoryEnvironmentStore) GetActiveEnvironment(_ context.Context, teamID uuid.UUID) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.envs {
		if s.envs[i].TeamID == teamID && s.envs[i].IsActive {
			e := s.envs[i]
			e.Variables = append([]domain.Variable(nil), s.envs[i].Variables...)
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memoryEnvironmentStore) ListEnvironments(_ context.Context, teamID uuid.UUID) ([]domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Environment
	for _, e := range s.envs {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryEnvironmentStore) UpdateEnvironment(_ context.Context, e *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.envs {
		if s.envs[i].ID == e.ID {
			e.UpdatedAt = time.Now().UTC()
			s.envs[i] = *e
			return nil
		}
	}
	return domain.NotFoundf("environment %s not found", e.ID)
}

func (s *memoryEnvironmentStore) ReplaceEnvironmentVariables(_ context.Context, environmentID uuid.UUID, vars []domain.Variable) ([]domain.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := make([]domain.Variable, 0, len(vars))
	for _, v := range vars {
		v.ID = uuid.New()
		v.OwnerID = environmentID
		v.CreatedAt, v.UpdatedAt = now, now
		stored = append(stored, v)
	}
	for i := range s.envs {
		if s.envs[i].ID == environmentID {
			s.envs[i].Variables = stored
		}
	}
	return append([]domain.Variable(nil), stored...), nil
}

func (s *memoryEnvironmentStore) ActivateEnvironment(_ context.Context, teamID, environmentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i := range s.envs {
		if s.envs[i].ID == environmentID && s.envs[i].TeamID == teamID {
			found = true
			break
		}
	}
	if !found {
		return domain.NotFoundf("environment %s", environmentID)
	}
	for i := range s.envs {
		if s.envs[i].TeamID == teamID {
			s.envs[i].IsActive = s.envs[i].ID == environmentID
		}
	}
	return nil
}

func (s *memoryEnvironmentStore) DeleteEnvironment(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.envs {
		if s.envs[i].ID == id {
			s.envs = append(s.envs[:i], s.envs[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("environment %s not found", id)
}

// --- global variable store ---

type memoryGlobalStore struct {
	mu      sync.Mutex
	globals []domain.GlobalVariable
}

func newMemoryGlobalStore() *memoryGlobalStore { return &memoryGlobalStore{} }

func (s *memoryGlobalStore) ListGlobals(_ context.Context, teamID uuid.UUID) ([]domain.GlobalVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GlobalVariable
	for _, g := range s.globals {
		if g.TeamID == teamID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memoryGlobalStore) GetGlobal(_ context.Context, id uuid.UUID) (*domain.GlobalVariable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.globals {
		if s.globals[i].ID == id {
			g := s.globals[i]
			return &g, nil
		}
	}
	return nil, nil
}

func (s *memoryGlobalStore) UpsertGlobal(_ context.Context, g *domain.GlobalVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range s.globals {
		if s.globals[i].TeamID == g.TeamID && s.globals[i].Key == g.Key {
			g.ID = s.globals[i].ID
			g.CreatedAt = s.globals[i].CreatedAt
			g.UpdatedAt = now
			s.globals[i] = *g
			return nil
		}
	}
	g.ID = uuid.New()
	g.CreatedAt, g.UpdatedAt = now, now
	s.globals = append(s.globals, *g)
	return nil
}

func (s *memoryGlobalStore) DeleteGlobal(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.globals {
		if s.globals[i].ID == id {
			s.globals = append(s.globals[:i], s.globals[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("global variable %s not found", id)
}

// --- history store (API reads plus the proxy recorder's sink) ---

type memoryHistoryStore struct {
	mu      sync.Mutex
	entries []domain.RequestHistory
}

func newMemoryHistoryStore() *memoryHistoryStore { return &memoryHistoryStore{} }

func (s *memoryHistoryStore) InsertHistory(_ context.Context, entry *domain.RequestHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memoryHistoryStore) GetHistory(_ context.Context, id uuid.UUID) (*domain.RequestHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memoryHistoryStore) ListHistory(_ context.Context, filter postgres.HistoryFilter) ([]domain.RequestHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return window(s.match(filter), filter.Limit, filter.Offset), nil
}

func (s *memoryHistoryStore) CountHistory(_ context.Context, filter postgres.HistoryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.match(filter)), nil
}

func (s *memoryHistoryStore) match(f postgres.HistoryFilter) []domain.RequestHistory {
	var out []domain.RequestHistory
	for _, e := range s.entries {
		if e.TeamID != f.TeamID {
			continue
		}
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.CollectionID != nil && (e.CollectionID == nil || *e.CollectionID != *f.CollectionID) {
			continue
		}
		if f.RunID != nil && (e.RunID == nil || *e.RunID != *f.RunID) {
			continue
		}
		if f.Method != "" && e.Method != f.Method {
			continue
		}
		if f.Status != 0 && e.ResponseStatus != f.Status {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(e.URL), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// --- run store ---

type memoryRunStore struct {
	mu         sync.Mutex
	runs       []domain.RunResult
	iterations map[uuid.UUID][]domain.RunIteration
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{iterations: make(map[uuid.UUID][]domain.RunIteration)}
}

func (s *memoryRunStore) GetRun(_ context.Context, id uuid.UUID) (*domain.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			r := s.runs[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memoryRunStore) ListRuns(_ context.Context, filter postgres.RunFilter) ([]domain.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return window(s.match(filter), filter.Limit, filter.Offset), nil
}

func (s *memoryRunStore) CountRuns(_ context.Context, filter postgres.RunFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.match(filter)), nil
}

func (s *memoryRunStore) match(f postgres.RunFilter) []domain.RunResult {
	var out []domain.RunResult
	for _, r := range s.runs {
		if r.TeamID != f.TeamID {
			continue
		}
		if f.CollectionID != nil && r.CollectionID != *f.CollectionID {
			continue
		}
		if f.Status != "" && string(r.Status) != f.Status {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *memoryRunStore) ListIterations(_ context.Context, runID uuid.UUID, limit, offset int) ([]domain.RunIteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return window(s.iterations[runID], limit, offset), nil
}

func (s *memoryRunStore) CountIterations(_ context.Context, runID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.iterations[runID]), nil
}

// setRunStatus mutates a stored run the way the real runner persists
// progress, for tests driving the SSE stream.
func (s *memoryRunStore) setRunStatus(id uuid.UUID, status domain.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			s.runs[i].Status = status
		}
	}
}

// --- monitor store ---

type memoryMonitorStore struct {
	mu        sync.Mutex
	monitors  []domain.Monitor
	createdBy map[uuid.UUID]uuid.UUID
}

func newMemoryMonitorStore() *memoryMonitorStore {
	return &memoryMonitorStore{createdBy: make(map[uuid.UUID]uuid.UUID)}
}

func (s *memoryMonitorStore) CreateMonitor(_ context.Context, m *domain.Monitor, createdBy uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	m.CreatedBy = createdBy
	s.monitors = append(s.monitors, *m)
	s.createdBy[m.ID] = createdBy
	return nil
}

func (s *memoryMonitorStore) GetMonitor(_ context.Context, id uuid.UUID) (*domain.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.monitors {
		if s.monitors[i].ID == id {
			m := s.monitors[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memoryMonitorStore) ListMonitors(_ context.Context, teamID uuid.UUID) ([]domain.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Monitor
	for _, m := range s.monitors {
		if m.TeamID == teamID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryMonitorStore) UpdateMonitor(_ context.Context, m *domain.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.monitors {
		if s.monitors[i].ID == m.ID {
			m.UpdatedAt = time.Now().UTC()
			s.monitors[i] = *m
			return nil
		}
	}
	return domain.NotFoundf("monitor %s not found", m.ID)
}

func (s *memoryMonitorStore) DeleteMonitor(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.monitors {
		if s.monitors[i].ID == id {
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("monitor %s not found", id)
}

// --- data file stores ---

type memoryDataFileStore struct {
	mu    sync.Mutex
	files []domain.DataFile
}

func newMemoryDataFileStore() *memoryDataFileStore { return &memoryDataFileStore{} }

func (s *memoryDataFileStore) InsertDataFile(_ context.Context, f *domain.DataFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	s.files = append(s.files, *f)
	return nil
}

func (s *memoryDataFileStore) GetDataFile(_ context.Context, id uuid.UUID) (*domain.DataFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].ID == id {
			f := s.files[i]
			return &f, nil
		}
	}
	return nil, nil
}

func (s *memoryDataFileStore) ListDataFiles(_ context.Context, teamID uuid.UUID) ([]domain.DataFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DataFile
	for _, f := range s.files {
		if f.TeamID == teamID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memoryDataFileStore) DeleteDataFile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.files {
		if s.files[i].ID == id {
			s.files = append(s.files[:i], s.files[i+1:]...)
			return nil
		}
	}
	return domain.NotFoundf("data file %s not found", id)
}

type memoryBlobStore struct {
	mu      sync.Mutex
	putErr  error
	objects map[string][]byte
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: make(map[string][]byte)}
}

func blobKey(teamID, fileID uuid.UUID) string {
	return teamID.String() + "/" + fileID.String()
}

func (s *memoryBlobStore) PutDataFileContent(_ context.Context, teamID, fileID uuid.UUID, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[blobKey(teamID, fileID)] = append([]byte(nil), content...)
	return nil
}

func (s *memoryBlobStore) DeleteDataFileContent(_ context.Context, teamID, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, blobKey(teamID, fileID))
	return nil
}

func (s *memoryBlobStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// --- settings / reaper ---

type memorySettingsStore struct {
	mu     sync.Mutex
	cfg    domain.RetentionConfig
	status domain.ReaperStatus
}

func newMemorySettingsStore() *memorySettingsStore {
	return &memorySettingsStore{
		cfg:    domain.DefaultRetentionConfig(),
		status: domain.ReaperStatus{UpdatedAt: time.Now().UTC()},
	}
}

func (s *memorySettingsStore) GetRetentionConfig(_ context.Context) (domain.RetentionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *memorySettingsStore) PutRetentionConfig(_ context.Context, cfg domain.RetentionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *memorySettingsStore) GetReaperStatus(_ context.Context) (*domain.ReaperStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	return &st, nil
}

type stubReaper struct {
	mu     sync.Mutex
	calls  int
	status domain.ReaperStatus
	err    error
}

func (s *stubReaper) RunNow(_ context.Context) (*domain.ReaperStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	st := s.status
	return &st, nil
}

// --- run starter ---

// stubStarter satisfies api.RunStarter without executing anything. It
// mirrors the runner's argument contract so bound violations surface as
// Validation errors, the way the real Start does.
type stubStarter struct {
	mu   sync.Mutex
	err  error
	last *runner.StartRequest
}

func (s *stubStarter) Start(_ context.Context, req runner.StartRequest) (*domain.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &req
	if s.err != nil {
		return nil, s.err
	}
	if req.Iterations < 1 || req.Iterations > runner.MaxIterations {
		return nil, domain.Validationf("iterationCount must be within [1, %d], got %d", runner.MaxIterations, req.Iterations)
	}
	if req.DelayMs < 0 || req.DelayMs > runner.MaxDelayMs {
		return nil, domain.Validationf("delayBetweenRequestsMs must be within [0, %d], got %d", runner.MaxDelayMs, req.DelayMs)
	}
	now := time.Now().UTC()
	return &domain.RunResult{
		ID:                     uuid.New(),
		TeamID:                 req.Caller.TeamID,
		CollectionID:           req.CollectionID,
		EnvironmentID:          req.EnvironmentID,
		Status:                 domain.RunPending,
		IterationCount:         req.Iterations,
		DelayBetweenRequestsMs: req.DelayMs,
		CreatedBy:              req.Caller.UserID,
		CreatedAt:              now,
	}, nil
}

func (s *stubStarter) lastRequest() *runner.StartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// --- health checker ---

type stubHealthChecker struct {
	err error
}

func (s *stubHealthChecker) HealthCheck(_ context.Context) error { return s.err }

// --- server wiring ---

// testStores bundles every fake so tests can seed and inspect state.
type testStores struct {
	collections  *memoryCollectionStore
	folders      *memoryFolderStore
	requests     *memoryRequestStore
	environments *memoryEnvironmentStore
	globals      *memoryGlobalStore
	history      *memoryHistoryStore
	runs         *memoryRunStore
	monitors     *memoryMonitorStore
	dataFiles    *memoryDataFileStore
	blobs        *memoryBlobStore
	settings     *memorySettingsStore
	starter      *stubStarter
	reaper       *stubReaper
}

// newTestServer wires a Server around fresh in-memory fakes.
func newTestServer() (*api.Server, *testStores) {
	st := &testStores{
		collections:  newMemoryCollectionStore(),
		folders:      newMemoryFolderStore(),
		requests:     newMemoryRequestStore(),
		environments: newMemoryEnvironmentStore(),
		globals:      newMemoryGlobalStore(),
		history:      newMemoryHistoryStore(),
		runs:         newMemoryRunStore(),
		monitors:     newMemoryMonitorStore(),
		dataFiles:    newMemoryDataFileStore(),
		blobs:        newMemoryBlobStore(),
		settings:     newMemorySettingsStore(),
		starter:      &stubStarter{},
		reaper:       &stubReaper{},
	}
	srv := &api.Server{
		Collections:  st.collections,
		Folders:      st.folders,
		Requests:     st.requests,
		Environments: st.environments,
		Globals:      st.globals,
		History:      st.history,
		Runs:         st.runs,
		Monitors:     st.monitors,
		DataFiles:    st.dataFiles,
		Settings:     st.settings,
		Starter:      st.starter,
		Registry:     runner.NewRegistry(),
		Reaper:       st.reaper,
		Blobs:        st.blobs,
	}
	return srv, st
}

// --- request helpers ---

// authedJSON builds an /api/v1 request carrying the standard test identity.
func authedJSON(method, target, body string) *http.Request {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.HeaderUserID, testUserID.String())
	req.Header.Set(api.HeaderTeamID, testTeamID.String())
	return req
}

func withRoles(req *http.Request, roles ...string) *http.Request {
	req.Header.Set(api.HeaderRoles, strings.Join(roles, ","))
	return req
}

// decodeAPIError parses the structured error envelope from a response.
func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) api.APIError {
	t.Helper()
	var body api.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// --- seed helpers ---

func seedCollection(st *testStores, teamID uuid.UUID, name string) domain.Collection {
	now := time.Now().UTC()
	col := domain.Collection{
		ID:        uuid.New(),
		TeamID:    teamID,
		Name:      name,
		CreatedBy: testUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.collections.collections = append(st.collections.collections, col)
	return col
}

func seedFolder(st *testStores, collectionID uuid.UUID, parentID *uuid.UUID, name string) domain.Folder {
	now := time.Now().UTC()
	f := domain.Folder{
		ID:             uuid.New(),
		CollectionID:   collectionID,
		ParentFolderID: parentID,
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	st.folders.folders = append(st.folders.folders, f)
	return f
}

func seedEnvironment(st *testStores, teamID uuid.UUID, name string, active bool, vars ...domain.Variable) domain.Environment {
	now := time.Now().UTC()
	env := domain.Environment{
		ID:        uuid.New(),
		TeamID:    teamID,
		Name:      name,
		IsActive:  active,
		CreatedBy: testUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, v := range vars {
		v.ID = uuid.New()
		v.Scope = domain.ScopeEnvironment
		v.OwnerID = env.ID
		env.Variables = append(env.Variables, v)
	}
	st.environments.envs = append(st.environments.envs, env)
	return env
}

func seedRun(st *testStores, teamID, collectionID uuid.UUID, status domain.RunStatus) domain.RunResult {
	now := time.Now().UTC()
	run := domain.RunResult{
		ID:             uuid.New(),
		TeamID:         teamID,
		CollectionID:   collectionID,
		Status:         status,
		IterationCount: 1,
		CreatedBy:      testUserID,
		CreatedAt:      now,
	}
	st.runs.runs = append(st.runs.runs, run)
	return run
}
