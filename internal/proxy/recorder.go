package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/metrics"
)

// TruncationMarker terminates every body the recorder cut at the inline
// cap. Truncation is idempotent: re-recording an already-marked body
// leaves it unchanged.
const TruncationMarker = "\n---[TRUNCATED]---"

// DefaultInlineBodyBytes is the per-body cap stored inline in Postgres.
const DefaultInlineBodyBytes int64 = 1 << 20

// recordTimeout bounds the background history write so a dead database
// cannot hold proxy goroutines hostage.
const recordTimeout = 5 * time.Second

// HistoryStore persists request history rows.
type HistoryStore interface {
	InsertHistory(ctx context.Context, entry *domain.RequestHistory) error
}

// OverflowStore keeps full response bodies that exceeded the inline cap.
// Returns the object key the body was stored under.
type OverflowStore interface {
	PutOverflowBody(ctx context.Context, teamID, historyID uuid.UUID, body []byte, contentType string) (string, error)
}

// Recorder writes history entries. It never fails the foreground call:
// persistence problems are logged and dropped.
type Recorder struct {
	store     HistoryStore
	overflow  OverflowStore
	inlineCap int64
	metrics   *metrics.Recorder
}

// NewRecorder builds a Recorder. overflow may be nil (oversized bodies
// are then truncated inline only); inlineCap <= 0 selects the default.
func NewRecorder(store HistoryStore, overflow OverflowStore, inlineCap int64, rec *metrics.Recorder) *Recorder {
	if inlineCap <= 0 {
		inlineCap = DefaultInlineBodyBytes
	}
	return &Recorder{store: store, overflow: overflow, inlineCap: inlineCap, metrics: rec}
}

// Record persists one history entry, truncating bodies at the inline
// cap and spilling the full response body to object storage when it was
// cut. Returns the history id, or nil when the write failed.
//
// The write deliberately ignores the caller's cancellation: a proxy
// timeout must still leave a history row behind.
func (r *Recorder) Record(ctx context.Context, entry *domain.RequestHistory, respBody []byte) *uuid.UUID {
	if r == nil || r.store == nil || entry == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if entry.RequestBody != nil {
		body, truncated := truncate(*entry.RequestBody, r.inlineCap)
		entry.RequestBody = &body
		entry.RequestBodyTruncated = truncated
	}

	if len(respBody) > 0 {
		body, truncated := truncate(string(respBody), r.inlineCap)
		entry.ResponseBody = &body
		entry.ResponseBodyTruncated = truncated

		if truncated && r.overflow != nil {
			contentType := ""
			if entry.ContentType != nil {
				contentType = *entry.ContentType
			}
			key, err := r.overflow.PutOverflowBody(wctx, entry.TeamID, entry.ID, respBody, contentType)
			if err != nil {
				slog.Warn("history: overflow body store failed", "history_id", entry.ID, "error", err)
			} else {
				entry.BodyOverflowKey = &key
			}
		}
	}

	if err := r.store.InsertHistory(wctx, entry); err != nil {
		slog.Warn("history: insert failed", "history_id", entry.ID, "method", entry.Method, "error", err)
		r.metrics.ObserveHistoryWrite("error")
		return nil
	}
	r.metrics.ObserveHistoryWrite("ok")
	return &entry.ID
}

// truncate cuts s at cap bytes and appends the marker. Already-marked
// input of the expected shape passes through unchanged so the operation
// is idempotent.
func truncate(s string, cap int64) (string, bool) {
	if int64(len(s)) <= cap {
		return s, false
	}
	if strings.HasSuffix(s, TruncationMarker) && int64(len(s)) == cap+int64(len(TruncationMarker)) {
		return s, true
	}
	return s[:cap] + TruncationMarker, true
}
