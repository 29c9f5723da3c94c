package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/examwatch/proctor-signaling/internal/engine"
)

// stubConn is the minimal engine.Conn for handoff tests; only Close does
// anything.
type stubConn struct {
	closed int32
}

func (c *stubConn) SetRemoteDescription(engine.SessionDescription) error { return nil }
func (c *stubConn) CreateAnswer() (engine.SessionDescription, error) {
	return engine.SessionDescription{}, nil
}
func (c *stubConn) SetLocalDescription(engine.SessionDescription) error { return nil }
func (c *stubConn) LocalDescription() (engine.SessionDescription, bool) {
	return engine.SessionDescription{}, false
}
func (c *stubConn) AddICECandidate(engine.ICECandidateInit) error { return nil }
func (c *stubConn) OnTrack(func(engine.Track))                    {}
func (c *stubConn) OnStateChange(func(engine.ConnState))          {}
func (c *stubConn) VideoTap() (engine.Tap, bool)                  { return nil, false }
func (c *stubConn) AttachVideo(engine.Tap) error                  { return nil }

func (c *stubConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func TestCreateStudentSessionSupersedes(t *testing.T) {
	r := NewRegistry()

	first, prev := r.CreateStudentSession("s1", "alice", "t1")
	if prev != nil {
		t.Fatalf("unexpected superseded session %v", prev)
	}

	second, prev := r.CreateStudentSession("s2", "alice", "t2")
	if prev == nil || prev.ID != first.ID {
		t.Fatalf("expected first session to be superseded, got %v", prev)
	}

	live, ok := r.FindStudentSession("alice")
	if !ok || live.ID != second.ID {
		t.Fatalf("live session = %v, want %q", live, second.ID)
	}
}

func TestCompleteCleanupKeepsSupersedingSession(t *testing.T) {
	r := NewRegistry()
	r.CreateStudentSession("s1", "alice", "t1")
	second, _ := r.CreateStudentSession("s2", "alice", "t3")

	// Tearing down the superseded session must not evict the new one
	// from the student index.
	if _, ok := r.BeginCleanup("s1"); !ok {
		t.Fatal("BeginCleanup(s1) = false")
	}
	r.CompleteCleanup("s1")

	live, ok := r.FindStudentSession("alice")
	if !ok || live.ID != second.ID {
		t.Fatalf("live session after cleanup = %v, want %q", live, second.ID)
	}
	if _, ok := r.Find("s1"); ok {
		t.Error("s1 still registered after CompleteCleanup")
	}
}

func TestBeginCleanupAtMostOnce(t *testing.T) {
	r := NewRegistry()
	r.CreateStudentSession("s1", "alice", "t1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.BeginCleanup("s1"); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("BeginCleanup won %d times, want 1", wins)
	}

	r.CompleteCleanup("s1")
	if _, ok := r.BeginCleanup("s1"); ok {
		t.Error("BeginCleanup succeeded for removed session")
	}
}

func TestViewerMappingLastWriteWins(t *testing.T) {
	r := NewRegistry()

	r.MapViewer("alice", "admin1")
	r.MapViewer("alice", "admin2")

	tid, ok := r.ResolveViewer("alice")
	if !ok || tid != "admin2" {
		t.Fatalf("ResolveViewer = %q, %v; want admin2", tid, ok)
	}

	r.MapViewer("bob", "admin2")
	r.RemoveViewersForTransport("admin2")

	if _, ok := r.ResolveViewer("alice"); ok {
		t.Error("alice still has a viewer after transport removal")
	}
	if _, ok := r.ResolveViewer("bob"); ok {
		t.Error("bob still has a viewer after transport removal")
	}
}

func TestSessionsForTransport(t *testing.T) {
	r := NewRegistry()
	r.CreateStudentSession("s1", "alice", "t1")
	r.CreateAdminSession("s2", "alice", "t1")
	r.CreateStudentSession("s3", "bob", "t2")

	got := r.SessionsForTransport("t1")
	if len(got) != 2 {
		t.Fatalf("SessionsForTransport(t1) returned %d sessions, want 2", len(got))
	}

	if _, ok := r.BeginCleanup("s2"); !ok {
		t.Fatal("BeginCleanup(s2) = false")
	}
	r.CompleteCleanup("s2")

	if got := r.SessionsForTransport("t1"); len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("after cleanup got %v, want just s1", got)
	}
}

func TestSetMediaGatedByCleanup(t *testing.T) {
	r := NewRegistry()
	r.CreateStudentSession("s1", "alice", "t1")

	if !r.SetMedia("s1", &stubConn{}) {
		t.Fatal("SetMedia refused for live session")
	}
	if _, ok := r.Media("s1"); !ok {
		t.Fatal("Media not visible after SetMedia")
	}

	if _, ok := r.BeginCleanup("s1"); !ok {
		t.Fatal("BeginCleanup = false")
	}
	if r.SetMedia("s1", &stubConn{}) {
		t.Error("SetMedia accepted after cleanup ticket was claimed")
	}
	if r.SetStopAnalysis("s1", func() {}) {
		t.Error("SetStopAnalysis accepted after cleanup ticket was claimed")
	}

	r.CompleteCleanup("s1")
	if r.SetMedia("s1", &stubConn{}) {
		t.Error("SetMedia accepted for removed session")
	}
	if _, ok := r.Media("s1"); ok {
		t.Error("Media visible for removed session")
	}
}

func TestSetStopAnalysis(t *testing.T) {
	r := NewRegistry()
	s, _ := r.CreateStudentSession("s1", "alice", "t1")

	var cancelled bool
	ctx, cancel := context.WithCancel(context.Background())
	if !r.SetStopAnalysis("s1", func() { cancelled = true; cancel() }) {
		t.Fatal("SetStopAnalysis refused for live session")
	}
	if err := s.CloseMedia(); err != nil {
		t.Fatal(err)
	}
	if !cancelled || ctx.Err() == nil {
		t.Error("CloseMedia did not cancel the pipeline")
	}
}

// The handle must be closed exactly once no matter how SetMedia races the
// cleanup ticket: either the publish wins and the cleanup winner closes it,
// or the publish is refused and the publisher closes it.
func TestMediaHandoffRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRegistry()
		r.CreateStudentSession("s1", "alice", "t1")
		conn := &stubConn{}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if !r.SetMedia("s1", conn) {
				_ = conn.Close()
			}
		}()
		go func() {
			defer wg.Done()
			s, ok := r.BeginCleanup("s1")
			if !ok {
				return
			}
			_ = s.CloseMedia()
			r.CompleteCleanup("s1")
		}()
		wg.Wait()

		// Finish cleanup for iterations where the publisher won the race
		// and the session is still registered.
		if s, ok := r.BeginCleanup("s1"); ok {
			_ = s.CloseMedia()
			r.CompleteCleanup("s1")
		}

		if got := atomic.LoadInt32(&conn.closed); got != 1 {
			t.Fatalf("iteration %d: handle closed %d times, want 1", i, got)
		}
	}
}

func TestSetState(t *testing.T) {
	r := NewRegistry()
	s, _ := r.CreateStudentSession("s1", "alice", "t1")

	if !r.SetState("s1", StateConnected) {
		t.Fatal("SetState returned false for live session")
	}
	if s.State != StateConnected {
		t.Fatalf("state = %s, want connected", s.State)
	}
	if r.SetState("missing", StateFailed) {
		t.Error("SetState returned true for unknown session")
	}
}
