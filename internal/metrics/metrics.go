// Package metrics exposes Prometheus instrumentation for the courier
// service: proxy executions, collection runs, assertion outcomes, and
// the number of runs currently in flight.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the metric vectors and the registry they are bound to.
// All observe methods are safe on a nil receiver so callers never need
// to guard instrumentation with nil checks.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests  *prometheus.CounterVec
	proxyDuration  *prometheus.HistogramVec
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	assertionsRun  *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	historyWrites  *prometheus.CounterVec
	scriptFailures *prometheus.CounterVec
}

// NewRecorder registers the courier metrics on reg. Passing nil creates
// a dedicated registry that also carries the standard process and Go
// runtime collectors.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}

	r := &Recorder{
		gatherer: reg,
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_proxy_requests_total",
			Help: "Outbound proxy requests by HTTP method and outcome.",
		}, []string{"method", "outcome"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_proxy_duration_seconds",
			Help:    "Wall-clock duration of proxied requests including redirects.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_runs_total",
			Help: "Collection runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_run_duration_seconds",
			Help:    "Wall-clock duration of collection runs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		assertionsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_assertions_total",
			Help: "Script assertions by result (passed or failed).",
		}, []string{"result"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_active_runs",
			Help: "Collection runs currently executing.",
		}),
		historyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_history_writes_total",
			Help: "Request history persistence attempts by outcome.",
		}, []string{"outcome"}),
		scriptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_script_failures_total",
			Help: "Sandbox script failures by script type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		r.proxyRequests,
		r.proxyDuration,
		r.runsTotal,
		r.runDuration,
		r.assertionsRun,
		r.activeRuns,
		r.historyWrites,
		r.scriptFailures,
	)

	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler serves the /metrics scrape endpoint.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.handler == nil {
		return promhttp.Handler()
	}
	return r.handler
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// ObserveProxyRequest records one proxied request. Outcome is one of
// "success", "upstream_error", or "rejected".
func (r *Recorder) ObserveProxyRequest(method, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	m := normalizeLabel(method)
	r.proxyRequests.WithLabelValues(m, normalizeLabel(outcome)).Inc()
	r.proxyDuration.WithLabelValues(m).Observe(elapsed.Seconds())
}

// ObserveRunComplete records a collection run reaching a terminal status.
func (r *Recorder) ObserveRunComplete(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	s := normalizeLabel(status)
	r.runsTotal.WithLabelValues(s).Inc()
	r.runDuration.WithLabelValues(s).Observe(elapsed.Seconds())
}

// ObserveAssertions records assertion pass/fail counts from one script run.
func (r *Recorder) ObserveAssertions(passed, failed int) {
	if r == nil {
		return
	}
	if passed > 0 {
		r.assertionsRun.WithLabelValues("passed").Add(float64(passed))
	}
	if failed > 0 {
		r.assertionsRun.WithLabelValues("failed").Add(float64(failed))
	}
}

// RunStarted and RunFinished track the active-run gauge.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.activeRuns.Inc()
}

func (r *Recorder) RunFinished() {
	if r == nil {
		return
	}
	r.activeRuns.Dec()
}

// ObserveHistoryWrite records a history persistence attempt.
func (r *Recorder) ObserveHistoryWrite(outcome string) {
	if r == nil {
		return
	}
	r.historyWrites.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveScriptFailure records a sandbox error or timeout for a script type.
func (r *Recorder) ObserveScriptFailure(scriptType string) {
	if r == nil {
		return
	}
	r.scriptFailures.WithLabelValues(normalizeLabel(scriptType)).Inc()
}

// normalizeLabel keeps label cardinality bounded: lowercase, trimmed,
// and never empty.
func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
