// Package proxy executes outbound HTTP requests on behalf of callers:
// template expansion, auth application, a manual redirect loop, capped
// body capture, and history recording. Upstream failures are data, not
// errors — they come back as a Response with StatusCode 0 and a marker.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/codeops/courier/internal/auth"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/metrics"
	"github.com/codeops/courier/internal/vars"
)

// Limits bounds a single proxy execution. Zero values fall back to the
// platform defaults via withDefaults.
type Limits struct {
	DefaultTimeoutMs int
	MinTimeoutMs     int
	MaxTimeoutMs     int
	MaxRedirects     int
	MaxResponseBytes int64
	UserAgent        string
}

// DefaultLimits returns the documented platform limits.
func DefaultLimits() Limits {
	return Limits{
		DefaultTimeoutMs: 30000,
		MinTimeoutMs:     1000,
		MaxTimeoutMs:     300000,
		MaxRedirects:     10,
		MaxResponseBytes: 10 << 20,
		UserAgent:        "CodeOps-Courier/1.0",
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.DefaultTimeoutMs == 0 {
		l.DefaultTimeoutMs = def.DefaultTimeoutMs
	}
	if l.MinTimeoutMs == 0 {
		l.MinTimeoutMs = def.MinTimeoutMs
	}
	if l.MaxTimeoutMs == 0 {
		l.MaxTimeoutMs = def.MaxTimeoutMs
	}
	if l.MaxRedirects == 0 {
		l.MaxRedirects = def.MaxRedirects
	}
	if l.MaxResponseBytes == 0 {
		l.MaxResponseBytes = def.MaxResponseBytes
	}
	if l.UserAgent == "" {
		l.UserAgent = def.UserAgent
	}
	return l
}

// Request describes one outbound call before template expansion.
// Header and query values, the URL, the raw body, and auth credential
// fields may all contain {{name}} placeholders.
type Request struct {
	Method          domain.HTTPMethod
	URL             string
	Headers         []domain.HeaderParam
	QueryParams     []domain.QueryParam
	Body            *domain.RequestBody
	Auth            auth.Effective
	TimeoutMs       int
	FollowRedirects bool
	SaveToHistory   bool

	// History attribution (optional except Caller when SaveToHistory).
	Caller        domain.Caller
	CollectionID  *uuid.UUID
	RequestID     *uuid.UUID
	EnvironmentID *uuid.UUID
	RunID         *uuid.UUID
}

// Response is the outcome of one proxy execution. StatusCode 0 means
// the upstream never produced a response; ErrorMarker says why.
type Response struct {
	StatusCode       int                 `json:"statusCode"`
	StatusText       string              `json:"statusText"`
	Headers          map[string][]string `json:"responseHeaders,omitempty"`
	Body             []byte              `json:"-"`
	BodyTruncated    bool                `json:"bodyTruncated"`
	ResponseTimeMs   int64               `json:"responseTimeMs"`
	SizeBytes        int64               `json:"responseSizeBytes"`
	ContentType      string              `json:"contentType,omitempty"`
	RedirectChain    []string            `json:"redirectChain,omitempty"`
	RedirectOverflow bool                `json:"redirectOverflow,omitempty"`
	Unresolved       []string            `json:"unresolvedVariables,omitempty"`
	ErrorMarker      string              `json:"error,omitempty"`
	HistoryID        *uuid.UUID          `json:"historyId,omitempty"`
}

// Failed reports whether the upstream never produced a response.
func (r *Response) Failed() bool { return r.ErrorMarker != "" }

// Executor owns the tuned HTTP client shared by all proxy executions.
// Redirects are followed manually so the chain can be recorded and auth
// re-applied per hop.
type Executor struct {
	client   *http.Client
	limits   Limits
	recorder *Recorder
	metrics  *metrics.Recorder
}

// NewExecutor builds an Executor around a tuned transport. recorder and
// rec may be nil (no history, no metrics).
func NewExecutor(limits Limits, recorder *Recorder, rec *metrics.Recorder) (*Executor, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}

	return &Executor{
		client: &http.Client{
			Transport: transport,
			// The redirect loop below records the chain and re-applies
			// auth per hop; the client must not follow on its own.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limits:   limits.withDefaults(),
		recorder: recorder,
		metrics:  rec,
	}, nil
}

// Execute runs one proxy call. Validation problems (bad method, bad
// URL, malformed body) return a domain Validation error; anything the
// upstream does — including not answering at all — returns a Response.
func (e *Executor) Execute(ctx context.Context, req Request, store *vars.Store) (*Response, error) {
	if !domain.ValidHTTPMethod(string(req.Method)) {
		e.metrics.ObserveProxyRequest(string(req.Method), "rejected", 0)
		return nil, domain.Validationf("unknown HTTP method %q", req.Method)
	}

	var unresolved []string

	target, err := e.buildURL(req, store, &unresolved)
	if err != nil {
		e.metrics.ObserveProxyRequest(string(req.Method), "rejected", 0)
		return nil, err
	}

	body, bodyContentType, err := buildBody(req.Body, store, &unresolved)
	if err != nil {
		e.metrics.ObserveProxyRequest(string(req.Method), "rejected", 0)
		return nil, err
	}

	headers := e.buildHeaders(req, bodyContentType, store, &unresolved)

	timeout := clampTimeoutMs(req.TimeoutMs, e.limits)
	tctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	defer cancel()

	expand := func(s string) string { return vars.ExpandInto(s, store, &unresolved) }

	start := time.Now()
	resp := e.dispatch(tctx, req, target, headers, body, expand, start)
	resp.Unresolved = dedupe(unresolved)

	outcome := "success"
	if resp.Failed() {
		outcome = "upstream_error"
	}
	elapsed := time.Duration(resp.ResponseTimeMs) * time.Millisecond
	e.metrics.ObserveProxyRequest(string(req.Method), outcome, elapsed)

	if req.SaveToHistory && e.recorder != nil {
		resp.HistoryID = e.recorder.Record(ctx, historyEntry(req, target.String(), headers, body, resp), resp.Body)
	}

	return resp, nil
}

// dispatch sends the request and walks the redirect chain. The deadline
// on ctx covers every hop and the final body read.
func (e *Executor) dispatch(ctx context.Context, req Request, target *url.URL, headers http.Header, body []byte, expand auth.ExpandFunc, start time.Time) *Response {
	method := string(req.Method)
	current := target
	var chain []string
	overflow := false

	var httpResp *http.Response
	for {
		httpReq, err := e.prepare(ctx, method, current, headers, body, req.Auth, expand)
		if err != nil {
			return failedResponse(domain.MarkerUpstreamIO, start, chain, overflow)
		}

		httpResp, err = e.client.Do(httpReq)
		if err != nil {
			return failedResponse(classifyDispatchError(err), start, chain, overflow)
		}

		if !isRedirect(httpResp.StatusCode) || !req.FollowRedirects {
			break
		}
		if len(chain) >= e.limits.MaxRedirects {
			overflow = true
			break
		}
		loc := httpResp.Header.Get("Location")
		if loc == "" {
			break
		}
		next, err := current.Parse(loc)
		if err != nil {
			break
		}

		drain(httpResp.Body)
		chain = append(chain, next.String())

		// 301/302/303 downgrade to GET and drop the body; 307/308
		// preserve both.
		switch httpResp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
			method = http.MethodGet
			body = nil
		}
		current = next
	}

	data, truncated, readErr := readCapped(httpResp.Body, e.limits.MaxResponseBytes)
	if readErr != nil {
		marker := domain.MarkerUpstreamIO
		if isTimeout(readErr) {
			marker = domain.MarkerUpstreamTimeout
		}
		return failedResponse(marker, start, chain, overflow)
	}

	return &Response{
		StatusCode:       httpResp.StatusCode,
		StatusText:       statusText(httpResp),
		Headers:          httpResp.Header.Clone(),
		Body:             data,
		BodyTruncated:    truncated,
		ResponseTimeMs:   time.Since(start).Milliseconds(),
		SizeBytes:        int64(len(data)),
		ContentType:      httpResp.Header.Get("Content-Type"),
		RedirectChain:    chain,
		RedirectOverflow: overflow,
	}
}

// prepare builds one hop's request: cloned headers, replayable body,
// auth re-applied, default User-Agent.
func (e *Executor) prepare(ctx context.Context, method string, target *url.URL, headers http.Header, body []byte, eff auth.Effective, expand auth.ExpandFunc) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers.Clone()
	if host := httpReq.Header.Get("Host"); host != "" {
		httpReq.Host = host
		httpReq.Header.Del("Host")
	}

	if err := auth.Apply(eff, expand, httpReq); err != nil {
		return nil, err
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.limits.UserAgent)
	}
	return httpReq, nil
}

// buildURL expands the URL template, validates it, and appends enabled
// query parameters in their declared order.
func (e *Executor) buildURL(req Request, store *vars.Store, unresolved *[]string) (*url.URL, error) {
	raw := vars.ExpandInto(strings.TrimSpace(req.URL), store, unresolved)
	if raw == "" {
		return nil, domain.Validationf("request URL is empty")
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, domain.Validationf("invalid URL %q: %v", raw, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, domain.Validationf("unsupported URL scheme %q (http or https only)", target.Scheme)
	}
	if target.Host == "" {
		return nil, domain.Validationf("URL %q has no host", raw)
	}

	var extra strings.Builder
	for _, p := range req.QueryParams {
		if !p.IsEnabled {
			continue
		}
		if extra.Len() > 0 {
			extra.WriteByte('&')
		}
		extra.WriteString(url.QueryEscape(p.Key))
		extra.WriteByte('=')
		extra.WriteString(url.QueryEscape(vars.ExpandInto(p.Value, store, unresolved)))
	}
	if extra.Len() > 0 {
		if target.RawQuery != "" {
			target.RawQuery += "&" + extra.String()
		} else {
			target.RawQuery = extra.String()
		}
	}
	return target, nil
}

// buildHeaders assembles the outgoing header set from enabled header
// params (values expanded, same-key repeats preserved) plus the body's
// content type when the caller did not set one.
func (e *Executor) buildHeaders(req Request, bodyContentType string, store *vars.Store, unresolved *[]string) http.Header {
	headers := make(http.Header, len(req.Headers)+2)
	for _, h := range req.Headers {
		if !h.IsEnabled || h.Key == "" {
			continue
		}
		headers.Add(h.Key, vars.ExpandInto(h.Value, store, unresolved))
	}
	if bodyContentType != "" && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", bodyContentType)
	}
	return headers
}

// buildBody renders the request body to replayable bytes plus the
// content type it implies.
func buildBody(body *domain.RequestBody, store *vars.Store, unresolved *[]string) ([]byte, string, error) {
	if body == nil || body.Type == "" || body.Type == domain.BodyNone {
		return nil, "", nil
	}

	switch body.Type {
	case domain.BodyRawJSON:
		return []byte(vars.ExpandInto(body.Raw, store, unresolved)), "application/json", nil
	case domain.BodyRawXML:
		return []byte(vars.ExpandInto(body.Raw, store, unresolved)), "application/xml", nil
	case domain.BodyRawHTML:
		return []byte(vars.ExpandInto(body.Raw, store, unresolved)), "text/html", nil
	case domain.BodyRawText:
		return []byte(vars.ExpandInto(body.Raw, store, unresolved)), "text/plain", nil
	case domain.BodyRawYAML:
		return []byte(vars.ExpandInto(body.Raw, store, unresolved)), "application/x-yaml", nil

	case domain.BodyFormURLEncoded:
		var form strings.Builder
		for _, f := range body.FormData {
			if !f.IsEnabled {
				continue
			}
			if form.Len() > 0 {
				form.WriteByte('&')
			}
			form.WriteString(url.QueryEscape(f.Key))
			form.WriteByte('=')
			form.WriteString(url.QueryEscape(vars.ExpandInto(f.Value, store, unresolved)))
		}
		return []byte(form.String()), "application/x-www-form-urlencoded", nil

	case domain.BodyFormData:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range body.FormData {
			if !f.IsEnabled {
				continue
			}
			if err := w.WriteField(f.Key, vars.ExpandInto(f.Value, store, unresolved)); err != nil {
				return nil, "", domain.Validationf("form field %q: %v", f.Key, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", domain.Validationf("form data: %v", err)
		}
		return buf.Bytes(), w.FormDataContentType(), nil

	case domain.BodyGraphQL:
		payload := map[string]any{"query": vars.ExpandInto(body.GraphQLQuery, store, unresolved)}
		if v := strings.TrimSpace(vars.ExpandInto(body.GraphQLVariables, store, unresolved)); v != "" {
			var parsed json.RawMessage
			if err := json.Unmarshal([]byte(v), &parsed); err != nil {
				return nil, "", domain.Validationf("graphql variables must be valid JSON: %v", err)
			}
			payload["variables"] = parsed
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", domain.Validationf("graphql body: %v", err)
		}
		return data, "application/json", nil

	case domain.BodyBinary:
		// Binary content travels base64-encoded in the raw field; the
		// file name is advisory metadata only.
		data, err := base64.StdEncoding.DecodeString(body.Raw)
		if err != nil {
			return nil, "", domain.Validationf("binary body must be base64: %v", err)
		}
		return data, "application/octet-stream", nil
	}

	return nil, "", domain.Validationf("unknown body type %q", body.Type)
}

// historyEntry assembles the append-only record for one execution.
func historyEntry(req Request, dispatchedURL string, headers http.Header, body []byte, resp *Response) *domain.RequestHistory {
	h := &domain.RequestHistory{
		ID:                uuid.New(),
		TeamID:            req.Caller.TeamID,
		UserID:            req.Caller.UserID,
		Method:            string(req.Method),
		URL:               dispatchedURL,
		RequestHeaders:    flattenHeaders(headers),
		ResponseStatus:    resp.StatusCode,
		ResponseHeaders:   resp.Headers,
		ResponseSizeBytes: resp.SizeBytes,
		DurationMs:        resp.ResponseTimeMs,
		CollectionID:      req.CollectionID,
		RequestID:         req.RequestID,
		EnvironmentID:     req.EnvironmentID,
		RunID:             req.RunID,
		CreatedAt:         time.Now().UTC(),
	}
	if len(body) > 0 {
		s := string(body)
		h.RequestBody = &s
	}
	if resp.ContentType != "" {
		ct := resp.ContentType
		h.ContentType = &ct
	}
	if resp.ErrorMarker != "" {
		m := resp.ErrorMarker
		h.ErrorMarker = &m
	}
	return h
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	flat := make(map[string]string, len(headers))
	for k, vals := range headers {
		flat[k] = strings.Join(vals, ", ")
	}
	return flat
}

func clampTimeoutMs(requested int, limits Limits) int {
	if requested <= 0 {
		return limits.DefaultTimeoutMs
	}
	if requested < limits.MinTimeoutMs {
		return limits.MinTimeoutMs
	}
	if requested > limits.MaxTimeoutMs {
		return limits.MaxTimeoutMs
	}
	return requested
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// classifyDispatchError buckets transport failures into the three
// upstream markers. Errors before any response (dial, DNS, TLS) are
// unreachable; deadline hits are timeouts.
func classifyDispatchError(err error) string {
	if isTimeout(err) {
		return domain.MarkerUpstreamTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.MarkerUpstreamUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return domain.MarkerUpstreamUnreachable
	}
	if errors.Is(err, context.Canceled) {
		return domain.MarkerUpstreamIO
	}
	return domain.MarkerUpstreamUnreachable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func failedResponse(marker string, start time.Time, chain []string, overflow bool) *Response {
	return &Response{
		StatusCode:       0,
		ResponseTimeMs:   time.Since(start).Milliseconds(),
		RedirectChain:    chain,
		RedirectOverflow: overflow,
		ErrorMarker:      marker,
	}
}

// readCapped drains body up to cap bytes, reporting whether the stream
// had more.
func readCapped(body io.ReadCloser, cap int64) ([]byte, bool, error) {
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, cap+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > cap {
		return data[:cap], true, nil
	}
	return data, false, nil
}

// drain discards a redirect hop's body so the connection can be reused.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 32<<10)) //nolint:errcheck
	body.Close()
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

func dedupe(names []string) []string {
	if len(names) < 2 {
		return names
	}
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
