// Package runner executes collection runs: it flattens the collection
// tree, seeds per-iteration variables from data files, orchestrates
// pre/post scripts around each proxied request, and aggregates results
// into persisted RunResult and RunIteration records.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/assertions"
	"github.com/codeops/courier/internal/auth"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/metrics"
	"github.com/codeops/courier/internal/proxy"
	"github.com/codeops/courier/internal/sandbox"
	"github.com/codeops/courier/internal/vars"
)

// Run input bounds. Violations are Validation errors, not clamps.
const (
	MaxIterations = 1000
	MaxDelayMs    = 60000
)

// TreeStore loads a collection and its request tree.
type TreeStore interface {
	GetCollection(ctx context.Context, id uuid.UUID) (*domain.Collection, error)
	ListFolders(ctx context.Context, collectionID uuid.UUID) ([]domain.Folder, error)
	ListRequests(ctx context.Context, collectionID uuid.UUID) ([]domain.RequestDef, error)
	ListCollectionVariables(ctx context.Context, collectionID uuid.UUID) ([]domain.Variable, error)
}

// EnvironmentStore resolves the environment a run executes against.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error)
	GetActiveEnvironment(ctx context.Context, teamID uuid.UUID) (*domain.Environment, error)
}

// GlobalStore loads team-wide variables.
type GlobalStore interface {
	ListGlobals(ctx context.Context, teamID uuid.UUID) ([]domain.GlobalVariable, error)
}

// RunStore persists run aggregates and per-iteration records.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.RunResult) error
	UpdateRun(ctx context.Context, run *domain.RunResult) error
	InsertIteration(ctx context.Context, iter *domain.RunIteration) error
}

// DataFileSource fetches uploaded data files referenced by a run.
type DataFileSource interface {
	GetDataFile(ctx context.Context, id uuid.UUID) (*domain.DataFile, error)
	FetchDataFileContent(ctx context.Context, teamID, fileID uuid.UUID) ([]byte, error)
}

// QuotaChecker gates run starts per team.
type QuotaChecker interface {
	CheckRunStart(ctx context.Context, teamID uuid.UUID) error
}

// StartRequest is a validated ask to run a collection.
type StartRequest struct {
	CollectionID  uuid.UUID
	EnvironmentID *uuid.UUID
	Iterations    int
	DelayMs       int
	DataFileID    *uuid.UUID
	DataFilename  string
	DataContent   []byte
	SaveToHistory bool
	Caller        domain.Caller
}

// Deps wires the runner's collaborators.
type Deps struct {
	Trees        TreeStore
	Environments EnvironmentStore
	Globals      GlobalStore
	Runs         RunStore
	DataFiles    DataFileSource
	Quota        QuotaChecker
	Executor     *proxy.Executor
	Scripts      *sandbox.Runner
	Registry     *Registry
	Metrics      *metrics.Recorder
}

// Runner starts and drives collection runs. Start returns as soon as
// the run is persisted and registered; execution happens on a
// dedicated goroutine whose lifetime the registry tracks.
type Runner struct {
	trees    TreeStore
	envs     EnvironmentStore
	globals  GlobalStore
	runs     RunStore
	files    DataFileSource
	quota    QuotaChecker
	executor *proxy.Executor
	scripts  *sandbox.Runner
	registry *Registry
	metrics  *metrics.Recorder
}

// New builds a Runner from its dependencies.
func New(deps Deps) *Runner {
	return &Runner{
		trees:    deps.Trees,
		envs:     deps.Environments,
		globals:  deps.Globals,
		runs:     deps.Runs,
		files:    deps.DataFiles,
		quota:    deps.Quota,
		executor: deps.Executor,
		scripts:  deps.Scripts,
		registry: deps.Registry,
		metrics:  deps.Metrics,
	}
}

// Registry exposes the live-run registry for status and cancel lookups.
func (r *Runner) Registry() *Registry { return r.registry }

// plannedRequest is one flattened tree entry with its auth and script
// chains resolved up front; the tree is snapshotted at start so
// concurrent edits cannot skew a run midway.
type plannedRequest struct {
	def  domain.RequestDef
	auth auth.Effective
	pre  []string // script sources, execution order
	post []string
}

// Start validates, persists, and launches a run, returning its PENDING→
// RUNNING snapshot. The caller's context only covers setup; execution
// continues on a background context owned by the registry.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*domain.RunResult, error) {
	if req.Iterations < 1 || req.Iterations > MaxIterations {
		return nil, domain.Validationf("iterationCount must be within [1, %d], got %d", MaxIterations, req.Iterations)
	}
	if req.DelayMs < 0 || req.DelayMs > MaxDelayMs {
		return nil, domain.Validationf("delayBetweenRequestsMs must be within [0, %d], got %d", MaxDelayMs, req.DelayMs)
	}

	col, err := r.trees.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, domain.NotFoundf("collection %s not found", req.CollectionID)
	}
	if col.TeamID != req.Caller.TeamID {
		return nil, domain.Authorizationf("collection %s belongs to another team", req.CollectionID)
	}

	env, err := r.resolveEnvironment(ctx, req)
	if err != nil {
		return nil, err
	}

	rows, dataFilename, err := r.loadDataRows(ctx, req)
	if err != nil {
		return nil, err
	}

	plan, err := r.buildPlan(ctx, col)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, domain.Validationf("collection %q has no requests to run", col.Name)
	}

	if r.quota != nil {
		if err := r.quota.CheckRunStart(ctx, req.Caller.TeamID); err != nil {
			return nil, err
		}
	}

	base, err := r.buildBaseStore(ctx, col, env, req.Caller.TeamID)
	if err != nil {
		return nil, err
	}

	run := &domain.RunResult{
		ID:                     uuid.New(),
		TeamID:                 req.Caller.TeamID,
		CollectionID:           col.ID,
		Status:                 domain.RunPending,
		IterationCount:         req.Iterations,
		DelayBetweenRequestsMs: req.DelayMs,
		CreatedBy:              req.Caller.UserID,
		CreatedAt:              time.Now().UTC(),
	}
	if env != nil {
		id := env.ID
		run.EnvironmentID = &id
	}
	if dataFilename != "" {
		run.DataFilename = &dataFilename
	}

	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := r.registry.register(run.ID, cancel)

	startedAt := time.Now().UTC()
	run.Status = domain.RunRunning
	run.StartedAt = &startedAt
	handle.setStatus(domain.RunRunning)
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		r.registry.remove(run.ID)
		cancel()
		return nil, fmt.Errorf("persist run start: %w", err)
	}

	r.metrics.RunStarted()
	go r.execute(runCtx, handle, run, plan, base, rows, req)

	snapshot := *run
	return &snapshot, nil
}

// execute drives the iteration × request loop. It owns run from here
// on; the snapshot returned by Start is independent.
func (r *Runner) execute(ctx context.Context, handle *Handle, run *domain.RunResult, plan []plannedRequest, base *vars.Store, rows []map[string]string, req StartRequest) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("runner: run panicked", "run_id", run.ID, "panic", p)
			msg := fmt.Sprintf("internal error: %v", p)
			r.finish(handle, run, domain.RunFailed, &msg)
		}
	}()

	// Progress and iteration writes must survive a cancel signal; the
	// terminal write happens in finish with its own deadline.
	persistCtx := context.WithoutCancel(ctx)

	for i := 1; i <= run.IterationCount; i++ {
		iterStore := base.Clone()
		if len(rows) > 0 {
			for k, v := range rows[(i-1)%len(rows)] {
				iterStore.SetLocal(k, v)
			}
		}

		for j := range plan {
			if handle.Cancelled() {
				r.finish(handle, run, domain.RunCancelled, nil)
				return
			}

			iter := r.executeRequest(ctx, iterStore, &plan[j], run, i, req)

			run.TotalRequests++
			if iter.Passed {
				run.PassedRequests++
			} else {
				run.FailedRequests++
			}
			sum := assertions.Summarize(iter.AssertionResults)
			run.TotalAssertions += sum.Total
			run.PassedAssertions += sum.Passed
			run.FailedAssertions += sum.Failed
			r.metrics.ObserveAssertions(sum.Passed, sum.Failed)

			if err := r.runs.InsertIteration(persistCtx, iter); err != nil {
				slog.Warn("runner: iteration persist failed", "run_id", run.ID, "iteration", i, "error", err)
			}

			last := i == run.IterationCount && j == len(plan)-1
			if !last && req.DelayMs > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
				}
			}
		}

		if err := r.runs.UpdateRun(persistCtx, run); err != nil {
			slog.Warn("runner: progress persist failed", "run_id", run.ID, "error", err)
		}
	}

	r.finish(handle, run, domain.RunCompleted, nil)
}

// executeRequest runs one plan entry inside one iteration: pre scripts,
// proxy dispatch, post scripts, assertion aggregation.
func (r *Runner) executeRequest(ctx context.Context, store *vars.Store, p *plannedRequest, run *domain.RunResult, iteration int, req StartRequest) *domain.RunIteration {
	var results []domain.AssertionResult
	var failures []string

	view := sandbox.NewRequestView(string(p.def.Method), p.def.URL, headerRows(p.def.Headers), bodyPreview(p.def.Body))

	for _, src := range p.pre {
		res := r.scripts.Run(sandbox.Invocation{
			Type:    domain.ScriptPreRequest,
			Source:  expandSource(src, store),
			Store:   store,
			Request: view,
		})
		results = append(results, res.Assertions...)
		if res.Error != nil {
			failures = append(failures, *res.Error)
			r.metrics.ObserveScriptFailure(string(domain.ScriptPreRequest))
		}
	}

	resolvedURL, _ := vars.Expand(p.def.URL, store)

	resp, execErr := r.executor.Execute(ctx, proxy.Request{
		Method:          p.def.Method,
		URL:             p.def.URL,
		Headers:         headersFromView(view),
		QueryParams:     p.def.QueryParams,
		Body:            p.def.Body,
		Auth:            p.auth,
		FollowRedirects: true,
		SaveToHistory:   req.SaveToHistory,
		Caller:          req.Caller,
		CollectionID:    &run.CollectionID,
		RequestID:       &p.def.ID,
		EnvironmentID:   run.EnvironmentID,
		RunID:           &run.ID,
	}, store)

	executorErr := ""
	if execErr != nil {
		executorErr = execErr.Error()
	} else if resp.Failed() {
		executorErr = resp.ErrorMarker
	}

	// Post scripts only run against an actual upstream response;
	// validation and transport failures leave nothing to assert on.
	if execErr == nil && !resp.Failed() {
		frozen := view.Freeze()
		respView := &sandbox.ResponseView{
			Code:           resp.StatusCode,
			Status:         resp.StatusText,
			Headers:        resp.Headers,
			Body:           resp.Body,
			ResponseTimeMs: resp.ResponseTimeMs,
		}
		for _, src := range p.post {
			res := r.scripts.Run(sandbox.Invocation{
				Type:     domain.ScriptPostResponse,
				Source:   expandSource(src, store),
				Store:    store,
				Request:  frozen,
				Response: respView,
			})
			results = append(results, res.Assertions...)
			if res.Error != nil {
				failures = append(failures, *res.Error)
				r.metrics.ObserveScriptFailure(string(domain.ScriptPostResponse))
			}
		}
	}

	var scriptErr *string
	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		scriptErr = &msg
	}

	iter := &domain.RunIteration{
		ID:               uuid.New(),
		RunID:            run.ID,
		IterationNumber:  iteration,
		RequestName:      p.def.Name,
		Method:           string(p.def.Method),
		URL:              resolvedURL,
		Passed:           assertions.IterationPassed(results, scriptErr, executorErr),
		AssertionResults: results,
		CreatedAt:        time.Now().UTC(),
	}
	if resp != nil {
		iter.ResponseStatus = resp.StatusCode
		iter.ResponseSizeBytes = resp.SizeBytes
		iter.ResponseTimeMs = resp.ResponseTimeMs
	}
	switch {
	case executorErr != "" && scriptErr != nil:
		msg := executorErr + "; " + *scriptErr
		iter.Error = &msg
	case executorErr != "":
		iter.Error = &executorErr
	case scriptErr != nil:
		iter.Error = scriptErr
	}
	return iter
}

// finish performs the single terminal transition: persist, unregister,
// observe. Uses its own deadline so a cancelled run context cannot
// block the terminal write.
func (r *Runner) finish(handle *Handle, run *domain.RunResult, status domain.RunStatus, errMsg *string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if errMsg != nil {
		run.Error = errMsg
	}
	if run.StartedAt != nil {
		run.TotalDurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	handle.setStatus(status)

	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.runs.UpdateRun(pctx, run); err != nil {
		slog.Error("runner: terminal persist failed", "run_id", run.ID, "status", status, "error", err)
	}

	r.registry.remove(run.ID)
	r.metrics.RunFinished()
	r.metrics.ObserveRunComplete(string(status), time.Duration(run.TotalDurationMs)*time.Millisecond)
	slog.Info("runner: run finished",
		"run_id", run.ID,
		"status", status,
		"requests", run.TotalRequests,
		"passed", run.PassedRequests,
		"failed", run.FailedRequests,
		"duration_ms", run.TotalDurationMs)
}

// resolveEnvironment returns the explicit environment when given (team
// checked), otherwise the team's active environment, otherwise nil.
func (r *Runner) resolveEnvironment(ctx context.Context, req StartRequest) (*domain.Environment, error) {
	if req.EnvironmentID == nil {
		return r.envs.GetActiveEnvironment(ctx, req.Caller.TeamID)
	}
	env, err := r.envs.GetEnvironment(ctx, *req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, domain.NotFoundf("environment %s not found", *req.EnvironmentID)
	}
	if env.TeamID != req.Caller.TeamID {
		return nil, domain.Authorizationf("environment %s belongs to another team", env.ID)
	}
	return env, nil
}

// loadDataRows resolves the run's data source: an uploaded file by id,
// inline content, or nothing.
func (r *Runner) loadDataRows(ctx context.Context, req StartRequest) ([]map[string]string, string, error) {
	switch {
	case req.DataFileID != nil:
		if r.files == nil {
			return nil, "", domain.Validationf("data files are not configured")
		}
		df, err := r.files.GetDataFile(ctx, *req.DataFileID)
		if err != nil {
			return nil, "", err
		}
		if df == nil {
			return nil, "", domain.NotFoundf("data file %s not found", *req.DataFileID)
		}
		if df.TeamID != req.Caller.TeamID {
			return nil, "", domain.Authorizationf("data file %s belongs to another team", df.ID)
		}
		content, err := r.files.FetchDataFileContent(ctx, df.TeamID, df.ID)
		if err != nil {
			return nil, "", fmt.Errorf("fetch data file %s: %w", df.ID, err)
		}
		rows, err := ParseDataRows(df.Filename, content)
		if err != nil {
			return nil, "", err
		}
		return rows, df.Filename, nil

	case len(req.DataContent) > 0:
		name := req.DataFilename
		if name == "" {
			name = "inline"
		}
		rows, err := ParseDataRows(name, req.DataContent)
		if err != nil {
			return nil, "", err
		}
		return rows, name, nil
	}
	return nil, "", nil
}

// buildBaseStore assembles the persistent-scope snapshot shared by all
// iterations. Each iteration clones it, so local writes never leak
// across iterations.
func (r *Runner) buildBaseStore(ctx context.Context, col *domain.Collection, env *domain.Environment, teamID uuid.UUID) (*vars.Store, error) {
	store := vars.NewStore()

	globals, err := r.globals.ListGlobals(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("load globals: %w", err)
	}
	store.LoadGlobals(globals)

	colVars, err := r.trees.ListCollectionVariables(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("load collection variables: %w", err)
	}
	store.LoadVariables(domain.ScopeCollection, colVars)

	if env != nil {
		store.LoadVariables(domain.ScopeEnvironment, env.Variables)
	}
	return store, nil
}

// buildPlan flattens the collection tree depth-first and resolves each
// request's auth and script chains.
func (r *Runner) buildPlan(ctx context.Context, col *domain.Collection) ([]plannedRequest, error) {
	folders, err := r.trees.ListFolders(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("load folders: %w", err)
	}
	requests, err := r.trees.ListRequests(ctx, col.ID)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}

	folderByID := make(map[uuid.UUID]*domain.Folder, len(folders))
	for i := range folders {
		folderByID[folders[i].ID] = &folders[i]
	}

	ordered := flattenTree(folders, requests)
	plan := make([]plannedRequest, 0, len(ordered))
	for _, def := range ordered {
		eff, err := auth.Resolve(&def, folderByID, col)
		if err != nil {
			return nil, err
		}
		chain, err := folderChain(&def, folderByID)
		if err != nil {
			return nil, err
		}
		plan = append(plan, plannedRequest{
			def:  def,
			auth: eff,
			pre:  collectScripts(col, chain, &def, domain.ScriptPreRequest),
			post: collectScripts(col, chain, &def, domain.ScriptPostResponse),
		})
	}
	return plan, nil
}

// flattenTree orders requests depth-first: the collection root's own
// requests first, then each folder subtree. Requests sort by sortOrder
// with creation time breaking ties; folders likewise.
func flattenTree(folders []domain.Folder, requests []domain.RequestDef) []domain.RequestDef {
	requestsByFolder := make(map[uuid.UUID][]domain.RequestDef)
	for _, req := range requests {
		requestsByFolder[req.FolderID] = append(requestsByFolder[req.FolderID], req)
	}
	for id := range requestsByFolder {
		rs := requestsByFolder[id]
		sort.SliceStable(rs, func(a, b int) bool {
			if rs[a].SortOrder != rs[b].SortOrder {
				return rs[a].SortOrder < rs[b].SortOrder
			}
			return rs[a].CreatedAt.Before(rs[b].CreatedAt)
		})
	}

	childFolders := make(map[uuid.UUID][]domain.Folder)
	for _, f := range folders {
		parent := uuid.Nil
		if f.ParentFolderID != nil {
			parent = *f.ParentFolderID
		}
		childFolders[parent] = append(childFolders[parent], f)
	}
	for id := range childFolders {
		fs := childFolders[id]
		sort.SliceStable(fs, func(a, b int) bool {
			if fs[a].SortOrder != fs[b].SortOrder {
				return fs[a].SortOrder < fs[b].SortOrder
			}
			return fs[a].CreatedAt.Before(fs[b].CreatedAt)
		})
	}

	var out []domain.RequestDef
	visited := make(map[uuid.UUID]bool, len(folders))
	var walk func(folderID uuid.UUID)
	walk = func(folderID uuid.UUID) {
		if folderID != uuid.Nil {
			if visited[folderID] {
				return
			}
			visited[folderID] = true
		}
		out = append(out, requestsByFolder[folderID]...)
		for _, child := range childFolders[folderID] {
			walk(child.ID)
		}
	}
	walk(uuid.Nil)
	return out
}

// folderChain returns the request's ancestor folders outermost-first.
func folderChain(def *domain.RequestDef, folders map[uuid.UUID]*domain.Folder) ([]*domain.Folder, error) {
	var chain []*domain.Folder
	seen := make(map[uuid.UUID]bool)
	id := def.FolderID
	for id != uuid.Nil {
		if seen[id] {
			return nil, fmt.Errorf("folder hierarchy cycle at %s", id)
		}
		seen[id] = true
		folder, ok := folders[id]
		if !ok {
			break
		}
		chain = append([]*domain.Folder{folder}, chain...)
		if folder.ParentFolderID == nil {
			break
		}
		id = *folder.ParentFolderID
	}
	return chain, nil
}

// collectScripts gathers script sources in execution order. Pre-request
// runs collection → outer folders → inner folders → request; post-
// response runs the exact reverse.
func collectScripts(col *domain.Collection, chain []*domain.Folder, def *domain.RequestDef, t domain.ScriptType) []string {
	var sources []string
	appendScript := func(scripts []domain.Script) {
		if s := domain.ScriptOfType(scripts, t); s != nil && strings.TrimSpace(s.Source) != "" {
			sources = append(sources, s.Source)
		}
	}

	if t == domain.ScriptPreRequest {
		appendScript(col.Scripts)
		for _, f := range chain {
			appendScript(f.Scripts)
		}
		appendScript(def.Scripts)
		return sources
	}

	appendScript(def.Scripts)
	for i := len(chain) - 1; i >= 0; i-- {
		appendScript(chain[i].Scripts)
	}
	appendScript(col.Scripts)
	return sources
}

// expandSource applies template expansion to script source, matching
// the substitution contract for every other user-supplied string.
func expandSource(src string, store *vars.Store) string {
	out, _ := vars.Expand(src, store)
	return out
}

func headerRows(headers []domain.HeaderParam) []sandbox.HeaderRow {
	rows := make([]sandbox.HeaderRow, 0, len(headers))
	for _, h := range headers {
		if !h.IsEnabled {
			continue
		}
		rows = append(rows, sandbox.HeaderRow{Key: h.Key, Value: h.Value})
	}
	return rows
}

func headersFromView(view *sandbox.RequestView) []domain.HeaderParam {
	headers := make([]domain.HeaderParam, 0, len(view.Headers))
	for _, row := range view.Headers {
		headers = append(headers, domain.HeaderParam{Key: row.Key, Value: row.Value, IsEnabled: true})
	}
	return headers
}

// bodyPreview renders the body as scripts see pm.request.body.
func bodyPreview(body *domain.RequestBody) string {
	if body == nil {
		return ""
	}
	switch body.Type {
	case domain.BodyGraphQL:
		return body.GraphQLQuery
	case domain.BodyNone, "":
		return ""
	}
	return body.Raw
}
