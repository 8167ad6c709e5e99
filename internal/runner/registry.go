package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
)

// Handle is the live control block for one in-flight run. The run loop
// polls Cancelled() at its checkpoints; Cancel additionally cancels the
// run context so in-flight requests and delay sleeps abort promptly.
type Handle struct {
	runID     uuid.UUID
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu     sync.Mutex
	status domain.RunStatus
}

// Cancelled reports whether a cancel signal was issued.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Status returns the live status of the run.
func (h *Handle) Status() domain.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s domain.RunStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Registry tracks in-flight runs in this process. Entries exist only
// between registration and the terminal transition; lookups for unknown
// ids fall back to persisted run state at the caller.
type Registry struct {
	mu     sync.Mutex
	active map[uuid.UUID]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[uuid.UUID]*Handle)}
}

// register adds a handle for a run that is about to execute.
func (r *Registry) register(runID uuid.UUID, cancel context.CancelFunc) *Handle {
	h := &Handle{runID: runID, cancel: cancel, status: domain.RunPending}
	r.mu.Lock()
	r.active[runID] = h
	r.mu.Unlock()
	return h
}

// remove drops a run after its terminal transition.
func (r *Registry) remove(runID uuid.UUID) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

// Get returns the live handle for a run, if this process owns it.
func (r *Registry) Get(runID uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[runID]
	return h, ok
}

// Cancel flips the cancel flag for an in-flight run. It does not block
// on the run winding down; the loop observes the flag at its next
// checkpoint. Returns false when the run is not active in this process.
func (r *Registry) Cancel(runID uuid.UUID) bool {
	r.mu.Lock()
	h, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancelled.Store(true)
	h.cancel()
	return true
}

// Len reports how many runs are in flight in this process.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
