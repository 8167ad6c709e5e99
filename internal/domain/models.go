// Package domain defines the core business types shared across courierd.
// These types represent the platform's data model — not HTTP transport specifics.
//
// CR-104: Design note on JSON tags in domain types.
// Domain types carry json tags because they are directly serialized in API
// responses. The wire convention is camelCase throughout (timeoutMs,
// saveToHistory, isSecret); having separate API response types for every
// domain model would add boilerplate without measurable benefit.
//
// When the API shape diverges from the domain type (e.g., masked values,
// computed fields), define a response struct in the api package instead.
// Examples:
//   - maskedVariable / maskedGlobal in environments.go and globals.go
//     (secret values redacted to "***" on listing, never on the wire)
//   - RunStatusResponse in runner.go (persisted row merged with live
//     registry state)
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// Caller is the pre-validated identity attached to every entry point.
// Upstream authentication populates it; the core trusts the tuple.
type Caller struct {
	UserID uuid.UUID `json:"userId"`
	TeamID uuid.UUID `json:"teamId"`
	Roles  []string  `json:"roles"`
}

// HasRole reports whether the caller carries the named role.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HTTPMethod is the verb of a stored request definition.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodPatch   HTTPMethod = "PATCH"
	MethodDelete  HTTPMethod = "DELETE"
	MethodHead    HTTPMethod = "HEAD"
	MethodOptions HTTPMethod = "OPTIONS"
)

// ValidHTTPMethod checks if a string is a supported request method.
func ValidHTTPMethod(s string) bool {
	switch HTTPMethod(s) {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return true
	}
	return false
}

// BodyType discriminates the single body a request may carry.
type BodyType string

const (
	BodyNone           BodyType = "NONE"
	BodyFormData       BodyType = "FORM_DATA"
	BodyFormURLEncoded BodyType = "X_WWW_FORM_URLENCODED"
	BodyRawJSON        BodyType = "RAW_JSON"
	BodyRawXML         BodyType = "RAW_XML"
	BodyRawHTML        BodyType = "RAW_HTML"
	BodyRawText        BodyType = "RAW_TEXT"
	BodyRawYAML        BodyType = "RAW_YAML"
	BodyBinary         BodyType = "BINARY"
	BodyGraphQL        BodyType = "GRAPHQL"
)

// ValidBodyType checks if a string is a known body type.
func ValidBodyType(s string) bool {
	switch BodyType(s) {
	case BodyNone, BodyFormData, BodyFormURLEncoded, BodyRawJSON, BodyRawXML,
		BodyRawHTML, BodyRawText, BodyRawYAML, BodyBinary, BodyGraphQL:
		return true
	}
	return false
}

// AuthType tags an auth configuration. The config payload itself is an
// opaque JSON blob interpreted only by the auth applier.
type AuthType string

const (
	AuthNone              AuthType = "NO_AUTH"
	AuthInheritFromParent AuthType = "INHERIT_FROM_PARENT"
	AuthAPIKey            AuthType = "API_KEY"
	AuthBearerToken       AuthType = "BEARER_TOKEN"
	AuthBasic             AuthType = "BASIC_AUTH"
	AuthJWTBearer         AuthType = "JWT_BEARER"
	AuthOAuth2AuthCode    AuthType = "OAUTH2_AUTHORIZATION_CODE"
	AuthOAuth2ClientCreds AuthType = "OAUTH2_CLIENT_CREDENTIALS"
	AuthOAuth2Password    AuthType = "OAUTH2_PASSWORD"
)

// ValidAuthType checks if a string is a known auth type.
func ValidAuthType(s string) bool {
	switch AuthType(s) {
	case AuthNone, AuthInheritFromParent, AuthAPIKey, AuthBearerToken,
		AuthBasic, AuthJWTBearer, AuthOAuth2AuthCode, AuthOAuth2ClientCreds,
		AuthOAuth2Password:
		return true
	}
	return false
}

// IsOAuth2 reports whether t is one of the OAuth2 grant variants.
// All of them attach a previously obtained access token; the platform
// never performs the token exchange itself.
func (t AuthType) IsOAuth2() bool {
	switch t {
	case AuthOAuth2AuthCode, AuthOAuth2ClientCreds, AuthOAuth2Password:
		return true
	}
	return false
}

// ScriptType distinguishes the two script slots on a node.
type ScriptType string

const (
	ScriptPreRequest   ScriptType = "PRE_REQUEST"
	ScriptPostResponse ScriptType = "POST_RESPONSE"
)

// ValidScriptType checks if a string is a known script type.
func ValidScriptType(s string) bool {
	switch ScriptType(s) {
	case ScriptPreRequest, ScriptPostResponse:
		return true
	}
	return false
}

// Script is one user-supplied snippet attached to a collection, folder, or
// request. A node holds at most one script per type.
type Script struct {
	Type   ScriptType `json:"type"`
	Source string     `json:"source"`
}

// ScriptOfType returns the first script of the given type, or nil.
func ScriptOfType(scripts []Script, t ScriptType) *Script {
	for i := range scripts {
		if scripts[i].Type == t {
			return &scripts[i]
		}
	}
	return nil
}

// ValidateScripts enforces the at-most-one-per-type rule.
func ValidateScripts(scripts []Script) error {
	seen := map[ScriptType]bool{}
	for _, s := range scripts {
		if !ValidScriptType(string(s.Type)) {
			return errors.New("unknown script type " + string(s.Type))
		}
		if seen[s.Type] {
			return errors.New("duplicate script type " + string(s.Type))
		}
		seen[s.Type] = true
	}
	return nil
}

// Collection is a team-owned container of folders and requests.
// Names are unique per team.
type Collection struct {
	ID          uuid.UUID       `json:"id"`
	TeamID      uuid.UUID       `json:"teamId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	AuthType    AuthType        `json:"authType"`             // empty = inherit (nothing configured)
	AuthConfig  json.RawMessage `json:"authConfig,omitempty"` // opaque; interpreted by the auth applier
	Scripts     []Script        `json:"scripts,omitempty"`
	CreatedBy   uuid.UUID       `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Folder is a tree node inside a collection. Sibling folder names are free
// to collide; no uniqueness is enforced.
type Folder struct {
	ID             uuid.UUID       `json:"id"`
	CollectionID   uuid.UUID       `json:"collectionId"`
	ParentFolderID *uuid.UUID      `json:"parentFolderId"`
	Name           string          `json:"name"`
	AuthType       AuthType        `json:"authType"`
	AuthConfig     json.RawMessage `json:"authConfig,omitempty"`
	Scripts        []Script        `json:"scripts,omitempty"`
	SortOrder      int             `json:"sortOrder"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// HeaderParam is one header row on a stored request. Disabled rows are
// kept for editing but never sent.
type HeaderParam struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsEnabled bool   `json:"isEnabled"`
}

// QueryParam is one query-string row on a stored request.
type QueryParam struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsEnabled bool   `json:"isEnabled"`
}

// FormField is one field of a FORM_DATA or X_WWW_FORM_URLENCODED body.
type FormField struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsEnabled bool   `json:"isEnabled"`
}

// RequestBody is the single body a request may carry, discriminated by Type.
type RequestBody struct {
	Type             BodyType    `json:"type"`
	Raw              string      `json:"raw,omitempty"`
	FormData         []FormField `json:"formData,omitempty"`
	GraphQLQuery     string      `json:"graphqlQuery,omitempty"`
	GraphQLVariables string      `json:"graphqlVariables,omitempty"`
	BinaryFileName   string      `json:"binaryFileName,omitempty"`
}

// RequestDef is a stored HTTP call template. It belongs to a folder; the
// collection id is denormalized for history references and auth resolution.
type RequestDef struct {
	ID           uuid.UUID       `json:"id"`
	CollectionID uuid.UUID       `json:"collectionId"`
	FolderID     uuid.UUID       `json:"folderId"`
	Name         string          `json:"name"`
	Method       HTTPMethod      `json:"method"`
	URL          string          `json:"url"` // template; {{name}} placeholders allowed
	SortOrder    int             `json:"sortOrder"`
	Headers      []HeaderParam   `json:"headers,omitempty"`
	QueryParams  []QueryParam    `json:"queryParams,omitempty"`
	Body         *RequestBody    `json:"body,omitempty"`
	AuthType     AuthType        `json:"authType"`
	AuthConfig   json.RawMessage `json:"authConfig,omitempty"`
	Scripts      []Script        `json:"scripts,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// DefaultRequestAuth returns the auth type applied to new requests.
// Requests inherit from their folder chain unless configured otherwise.
func DefaultRequestAuth() AuthType { return AuthInheritFromParent }

// VariableScope orders variable precedence. Resolution picks the
// highest-precedence enabled entry: Global < Collection < Environment < Local.
type VariableScope string

const (
	ScopeGlobal      VariableScope = "GLOBAL"
	ScopeCollection  VariableScope = "COLLECTION"
	ScopeEnvironment VariableScope = "ENVIRONMENT"
	ScopeLocal       VariableScope = "LOCAL"
)

// ValidVariableScope checks if a string is a known variable scope.
func ValidVariableScope(s string) bool {
	switch VariableScope(s) {
	case ScopeGlobal, ScopeCollection, ScopeEnvironment, ScopeLocal:
		return true
	}
	return false
}

// Variable is one key/value entry owned by an environment or a collection.
// Secret values are masked on listing but substituted verbatim on the wire.
type Variable struct {
	ID        uuid.UUID     `json:"id"`
	Scope     VariableScope `json:"scope"`
	OwnerID   uuid.UUID     `json:"ownerId"` // environment id or collection id, per scope
	Key       string        `json:"key"`
	Value     string        `json:"value"`
	IsSecret  bool          `json:"isSecret"`
	IsEnabled bool          `json:"isEnabled"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Environment is a team-owned named variable set. At most one environment
// per team is active at a time; activation is atomic.
type Environment struct {
	ID        uuid.UUID  `json:"id"`
	TeamID    uuid.UUID  `json:"teamId"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"isActive"`
	Variables []Variable `json:"variables,omitempty"`
	CreatedBy uuid.UUID  `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// GlobalVariable is a team-wide variable, unique per (team, key).
type GlobalVariable struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"teamId"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"isSecret"`
	IsEnabled bool      `json:"isEnabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SecretMask replaces secret variable values in listing responses.
const SecretMask = "***"

// Upstream failure markers. The proxy reports these as data, not API
// errors: a ProxyResponse with status 0 carries exactly one of them.
const (
	MarkerUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	MarkerUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	MarkerUpstreamIO          = "UPSTREAM_IO"
)

// RequestHistory is one append-only record of an executed request.
// Entries are immutable once written. Body fields are truncated at the
// recorder's cap and flagged when truncated.
type RequestHistory struct {
	ID                    uuid.UUID           `json:"id"`
	TeamID                uuid.UUID           `json:"teamId"`
	UserID                uuid.UUID           `json:"userId"`
	Method                string              `json:"method"`
	URL                   string              `json:"url"` // fully resolved, as dispatched
	RequestHeaders        map[string]string   `json:"requestHeaders,omitempty"`
	RequestBody           *string             `json:"requestBody,omitempty"`
	RequestBodyTruncated  bool                `json:"requestBodyTruncated"`
	ResponseStatus        int                 `json:"responseStatus"` // 0 = upstream failure
	ResponseHeaders       map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody          *string             `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool                `json:"responseBodyTruncated"`
	BodyOverflowKey       *string             `json:"bodyOverflowKey,omitempty"` // object-store key of the full captured body
	ResponseSizeBytes     int64               `json:"responseSizeBytes"`
	DurationMs            int64               `json:"durationMs"`
	ContentType           *string             `json:"contentType,omitempty"`
	ErrorMarker           *string             `json:"error,omitempty"` // UPSTREAM_UNREACHABLE, UPSTREAM_TIMEOUT, UPSTREAM_IO
	CollectionID          *uuid.UUID          `json:"collectionId,omitempty"`
	RequestID             *uuid.UUID          `json:"requestId,omitempty"`
	EnvironmentID         *uuid.UUID          `json:"environmentId,omitempty"`
	RunID                 *uuid.UUID          `json:"runId,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
}

// RunStatus represents the state of a collection run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// ValidRunStatus checks if a string is a known run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunResult is the aggregate record of one collection run.
// CompletedAt is set iff the status is terminal.
type RunResult struct {
	ID                     uuid.UUID  `json:"id"`
	TeamID                 uuid.UUID  `json:"teamId"`
	CollectionID           uuid.UUID  `json:"collectionId"`
	EnvironmentID          *uuid.UUID `json:"environmentId,omitempty"`
	Status                 RunStatus  `json:"status"`
	TotalRequests          int        `json:"totalRequests"`
	PassedRequests         int        `json:"passedRequests"`
	FailedRequests         int        `json:"failedRequests"`
	TotalAssertions        int        `json:"totalAssertions"`
	PassedAssertions       int        `json:"passedAssertions"`
	FailedAssertions       int        `json:"failedAssertions"`
	TotalDurationMs        int64      `json:"totalDurationMs"`
	IterationCount         int        `json:"iterationCount"`
	DelayBetweenRequestsMs int        `json:"delayBetweenRequestsMs"`
	DataFilename           *string    `json:"dataFilename,omitempty"`
	Error                  *string    `json:"error,omitempty"`
	Orphaned               bool       `json:"orphaned"` // set by the reaper on runs stranded by a crash
	StartedAt              *time.Time `json:"startedAt"`
	CompletedAt            *time.Time `json:"completedAt"`
	CreatedBy              uuid.UUID  `json:"createdBy"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// AssertionResult is one named check recorded by a script.
type AssertionResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Error  *string `json:"error,omitempty"`
}

// RunIteration is one executed request within a run.
// Passed = no failed assertion AND no script error AND no executor error.
type RunIteration struct {
	ID                uuid.UUID         `json:"id"`
	RunID             uuid.UUID         `json:"runId"`
	IterationNumber   int               `json:"iterationNumber"` // 1-based
	RequestName       string            `json:"requestName"`
	Method            string            `json:"method"`
	URL               string            `json:"url"` // resolved
	ResponseStatus    int               `json:"responseStatus"`
	ResponseSizeBytes int64             `json:"responseSizeBytes"`
	ResponseTimeMs    int64             `json:"responseTimeMs"`
	Passed            bool              `json:"passed"`
	AssertionResults  []AssertionResult `json:"assertionResults,omitempty"`
	Error             *string           `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Monitor is a cron-based trigger that runs a collection on a schedule.
type Monitor struct {
	ID            uuid.UUID  `json:"id"`
	TeamID        uuid.UUID  `json:"teamId"`
	CollectionID  uuid.UUID  `json:"collectionId"`
	EnvironmentID *uuid.UUID `json:"environmentId,omitempty"`
	Name          string     `json:"name"`
	CronExpr      string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
	LastRunID     *uuid.UUID `json:"lastRunId"`
	LastRunAt     *time.Time `json:"lastRunAt"`
	NextRunAt     *time.Time `json:"nextRunAt"`
	CreatedBy     uuid.UUID  `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DataFile is an uploaded CSV or JSON table that can drive run iterations.
// Content lives in object storage; this row is the catalog entry.
type DataFile struct {
	ID          uuid.UUID `json:"id"`
	TeamID      uuid.UUID `json:"teamId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	RowCount    int       `json:"rowCount"`
	UploadedBy  uuid.UUID `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RetentionConfig holds system-wide retention settings.
// Stored as JSONB in platform_settings under key "retention".
type RetentionConfig struct {
	HistoryMaxAgeDays      int `json:"history_max_age_days"`
	RunsMaxAgeDays         int `json:"runs_max_age_days"`
	StuckRunTimeoutMinutes int `json:"stuck_run_timeout_minutes"`
	ReaperIntervalMinutes  int `json:"reaper_interval_minutes"`
}

// DefaultRetentionConfig returns the default retention settings.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		HistoryMaxAgeDays:      30,
		RunsMaxAgeDays:         90,
		StuckRunTimeoutMinutes: 30,
		ReaperIntervalMinutes:  15,
	}
}

// ReaperStatus tracks the last reaper sweep stats.
type ReaperStatus struct {
	LastRunAt      *time.Time `json:"last_run_at"`
	HistoryPruned  int        `json:"history_pruned"`
	RunsPruned     int        `json:"runs_pruned"`
	RunsOrphaned   int        `json:"runs_orphaned"`
	OverflowPruned int        `json:"overflow_pruned"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
