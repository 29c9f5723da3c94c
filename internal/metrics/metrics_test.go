package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestMetrics_IncAddGet(t *testing.T) {
	m := New()
	m.Inc(OfferReceived)
	m.Inc(OfferReceived)
	m.Add(FrameSampled, 5)

	if got := m.Get(OfferReceived); got != 2 {
		t.Fatalf("Get(%s) = %d, want 2", OfferReceived, got)
	}
	if got := m.Get(FrameSampled); got != 5 {
		t.Fatalf("Get(%s) = %d, want 5", FrameSampled, got)
	}
	if got := m.Get("unknown"); got != 0 {
		t.Fatalf("Get(unknown) = %d, want 0", got)
	}
}

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(ActivityDetected)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(ActivityDetected); got != 800 {
		t.Fatalf("Get = %d, want 800", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(OfferReceived)
	if got := m.Get(OfferReceived); got != 0 {
		t.Fatalf("Get on nil = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("Snapshot on nil = %v, want nil", snap)
	}
}

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(SessionCreated)
	m.Add(CandidateRejected, 3)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE proctor_signaling_events_total counter",
		`proctor_signaling_events_total{event="session_created"} 1`,
		`proctor_signaling_events_total{event="candidate_rejected"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
