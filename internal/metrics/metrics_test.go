package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveProxyRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveProxyRequest("POST", "success", 250*time.Millisecond)

	families := gather(t, rec, "courier_proxy_requests_total", "courier_proxy_duration_seconds")

	counter := findMetric(t, families["courier_proxy_requests_total"], map[string]string{
		"method":  "post",
		"outcome": "success",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["courier_proxy_duration_seconds"], map[string]string{
		"method": "post",
	})
	hist := histMetric.GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.25, got %v", hist.GetSampleSum())
	}
}

func TestRecorderObserveRunComplete(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRunComplete("COMPLETED", 3*time.Second)
	rec.ObserveRunComplete("FAILED", time.Second)

	families := gather(t, rec, "courier_runs_total")

	completed := findMetric(t, families["courier_runs_total"], map[string]string{"status": "completed"})
	if got := completed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected completed counter 1, got %v", got)
	}
	failed := findMetric(t, families["courier_runs_total"], map[string]string{"status": "failed"})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed counter 1, got %v", got)
	}
}

func TestRecorderObserveAssertions(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveAssertions(3, 1)
	rec.ObserveAssertions(2, 0)

	families := gather(t, rec, "courier_assertions_total")

	passed := findMetric(t, families["courier_assertions_total"], map[string]string{"result": "passed"})
	if got := passed.GetCounter().GetValue(); got != 5 {
		t.Fatalf("expected passed counter 5, got %v", got)
	}
	failed := findMetric(t, families["courier_assertions_total"], map[string]string{"result": "failed"})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed counter 1, got %v", got)
	}
}

func TestRecorderActiveRunsGauge(t *testing.T) {
	rec := NewRecorder(nil)
	rec.RunStarted()
	rec.RunStarted()
	rec.RunFinished()

	families := gather(t, rec, "courier_active_runs")
	metric := families["courier_active_runs"][0]
	if got := metric.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected active runs gauge 1, got %v", got)
	}
}

func TestRecorderNilReceiverIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveProxyRequest("GET", "success", time.Millisecond)
	rec.ObserveRunComplete("COMPLETED", time.Second)
	rec.ObserveAssertions(1, 1)
	rec.RunStarted()
	rec.RunFinished()
	rec.ObserveHistoryWrite("ok")
	rec.ObserveScriptFailure("PRE_REQUEST")

	if rec.Handler() == nil {
		t.Fatalf("expected fallback handler on nil recorder")
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
