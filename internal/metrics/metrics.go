package metrics

import "sync"

// Counter names used across the signaling core.
const (
	AuthFailure = "auth_failure"

	OfferReceived      = "offer_received"
	AdminOfferReceived = "admin_offer_received"
	AnswerRelayed      = "answer_relayed"
	CandidateRelayed   = "candidate_relayed"
	CandidateRejected  = "candidate_rejected"

	SessionCreated    = "session_created"
	SessionSuperseded = "session_superseded"
	SessionCleanedUp  = "session_cleaned_up"

	FrameSampled      = "frame_sampled"
	FrameRejected     = "frame_rejected"
	AnalysisError     = "analysis_error"
	ActivityDetected  = "activity_detected"
	ActivityPersisted = "activity_persisted"
	ActivityDropped   = "activity_dropped"

	DropReasonRateLimited = "rate_limited"
	DropReasonBadMessage  = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep routing and pipeline logic observable and testable
// without binding the core to a specific metrics backend; the counters are
// exported in Prometheus text form by PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
