package sandbox

import (
	"net/textproto"
	"strings"
)

// HeaderRow is one outgoing header as scripts see it. Order is preserved
// and duplicate keys are allowed, matching what goes on the wire.
type HeaderRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RequestView is the outgoing request exposed as pm.request. In pre-request
// scripts the header list is mutable; in post-response scripts it is a
// frozen snapshot of what was sent.
type RequestView struct {
	Method  string
	URL     string
	Headers []HeaderRow
	Body    string

	mutable bool
}

// NewRequestView builds the mutable pre-request view.
func NewRequestView(method, url string, headers []HeaderRow, body string) *RequestView {
	return &RequestView{Method: method, URL: url, Headers: headers, Body: body, mutable: true}
}

// Freeze marks the view read-only for post-response scripts.
func (r *RequestView) Freeze() *RequestView {
	r.mutable = false
	return r
}

func canonical(key string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
}

func (r *RequestView) addHeader(key, value string) {
	r.Headers = append(r.Headers, HeaderRow{Key: canonical(key), Value: value})
}

func (r *RequestView) removeHeader(key string) {
	want := canonical(key)
	kept := r.Headers[:0]
	for _, h := range r.Headers {
		if canonical(h.Key) != want {
			kept = append(kept, h)
		}
	}
	r.Headers = kept
}

func (r *RequestView) upsertHeader(key, value string) {
	want := canonical(key)
	for i, h := range r.Headers {
		if canonical(h.Key) == want {
			r.Headers[i].Value = value
			return
		}
	}
	r.addHeader(key, value)
}

func (r *RequestView) getHeader(key string) (string, bool) {
	want := canonical(key)
	for _, h := range r.Headers {
		if canonical(h.Key) == want {
			return h.Value, true
		}
	}
	return "", false
}

// ResponseView is the completed response exposed as pm.response.
// Post-response scripts only.
type ResponseView struct {
	Code           int
	Status         string // reason phrase, e.g. "OK"
	Headers        map[string][]string
	Body           []byte
	ResponseTimeMs int64
}

// headerGet returns the first value for key, case-insensitively.
func (r *ResponseView) headerGet(key string) (string, bool) {
	want := canonical(key)
	for k, vs := range r.Headers {
		if canonical(k) == want && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}
