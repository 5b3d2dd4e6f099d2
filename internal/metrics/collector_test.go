package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestObservePass(t *testing.T) {
	c := NewCollector("test", zap.NewNop())
	c.ObservePass("recent", 20*time.Millisecond, 3, 2, nil)
	c.ObservePass("recent", 10*time.Millisecond, 0, 0, errors.New("boom"))

	if got := testutil.ToFloat64(c.passesTotal.WithLabelValues("recent", "ok")); got != 1 {
		t.Fatalf("got %v ok passes, want 1", got)
	}
	if got := testutil.ToFloat64(c.passesTotal.WithLabelValues("recent", "error")); got != 1 {
		t.Fatalf("got %v failed passes, want 1", got)
	}
	if got := testutil.ToFloat64(c.consolidated.WithLabelValues("recent")); got != 3 {
		t.Fatalf("got %v consolidated, want 3", got)
	}
	if got := testutil.ToFloat64(c.adjustments.WithLabelValues("recent")); got != 2 {
		t.Fatalf("got %v adjustments, want 2", got)
	}
}

func TestObserveSleepCycle(t *testing.T) {
	c := NewCollector("test", nil)
	c.ObserveSleepCycle("light_processing", true)
	c.ObserveSleepCycle("light_processing", false)
	c.ObserveSleepCycle("light_processing", true)
	if got := testutil.ToFloat64(c.sleepCycles.WithLabelValues("light_processing", "true")); got != 2 {
		t.Fatalf("got %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.sleepCycles); got != 2 {
		t.Fatalf("got %d series, want 2", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObservePass("full", time.Second, 1, 1, nil)
	c.ObserveSleepCycle("maintenance", true)
	c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	if c.Registry() != nil {
		t.Fatal("want nil registry")
	}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("nuka_mind", nil)
	c.RecordHTTPRequest("GET", "/api/personas/{personaID}", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `nuka_mind_http_requests_total{method="GET",route="/api/personas/{personaID}",status="200"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}
