package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// SSE connection limits to prevent resource exhaustion via long-lived
// streaming connections.
const (
	// MaxSSEDurationSeconds is the maximum lifetime of a single SSE connection (30 minutes).
	MaxSSEDurationSeconds = 30 * 60

	// DefaultMaxSSEPerClient is the default cap on concurrent SSE connections from a single client IP.
	DefaultMaxSSEPerClient = 5

	// DefaultMaxSSEGlobal is the default global cap on concurrent SSE connections.
	DefaultMaxSSEGlobal = 100
)

// SSELimiter tracks concurrent SSE connections per client IP and globally.
// It uses an atomic counter for the global cap and a mutex-protected map
// for per-client tracking.
type SSELimiter struct {
	maxGlobal    int64
	maxPerClient int64

	globalCount atomic.Int64
	mu          sync.Mutex
	perClient   map[string]*atomic.Int64
}

// NewSSELimiter creates an SSE connection limiter. Non-positive limits
// fall back to the defaults.
func NewSSELimiter(maxGlobal, maxPerClient int) *SSELimiter {
	if maxGlobal <= 0 {
		maxGlobal = DefaultMaxSSEGlobal
	}
	if maxPerClient <= 0 {
		maxPerClient = DefaultMaxSSEPerClient
	}
	return &SSELimiter{
		maxGlobal:    int64(maxGlobal),
		maxPerClient: int64(maxPerClient),
		perClient:    make(map[string]*atomic.Int64),
	}
}

// Acquire attempts to register a new SSE connection for the given client.
// Returns true if the connection is allowed, false if any limit is exceeded.
// On success, the caller MUST call Release when the connection ends.
func (l *SSELimiter) Acquire(client string) bool {
	// Check global limit first (cheap atomic check).
	if l.globalCount.Load() >= l.maxGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perClient[client]
	if !ok {
		counter = &atomic.Int64{}
		l.perClient[client] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= l.maxPerClient {
		return false
	}

	// Increment both counters, then re-check to handle races (another
	// goroutine may have incremented between check and add).
	clientCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)

	if clientCount > l.maxPerClient || globalCount > l.maxGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}

	return true
}

// Release decrements the connection counters for the given client.
// Must be called exactly once for each successful Acquire.
func (l *SSELimiter) Release(client string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perClient[client]
	l.mu.Unlock()

	if ok {
		if counter.Add(-1) <= 0 {
			// Clean up empty entries to avoid unbounded map growth.
			l.mu.Lock()
			if counter.Load() <= 0 {
				delete(l.perClient, client)
			}
			l.mu.Unlock()
		}
	}
}

// GlobalCount returns the current global SSE connection count (for observability).
func (l *SSELimiter) GlobalCount() int64 {
	return l.globalCount.Load()
}

// ClientCount returns the current SSE connection count for a specific client.
func (l *SSELimiter) ClientCount(client string) int64 {
	l.mu.Lock()
	counter, ok := l.perClient[client]
	l.mu.Unlock()

	if !ok {
		return 0
	}
	return counter.Load()
}

// clientIP extracts the client IP from the request, preferring X-Real-Ip
// (set by chi's RealIP middleware) and stripping the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	// RemoteAddr is "host:port" — strip the port.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
