package session

import (
	"context"
	"errors"
	"sync"

	"github.com/examwatch/proctor-signaling/internal/engine"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrSuperseded = errors.New("session superseded")
)

// Registry is the authoritative map of live sessions, viewer assignments,
// and in-flight cleanup tickets. A single mutex guards all three so that
// supersede, viewer rebinding, and teardown for one student are serialized.
type Registry struct {
	mu sync.Mutex

	byID        map[string]*Session
	byStudent   map[string]*Session // live student sessions only
	byTransport map[string][]*Session

	// viewers maps studentID to the admin transport currently watching
	// that student. Last write wins.
	viewers map[string]string

	// cleanups holds one ticket per session undergoing teardown, so that
	// concurrent failure paths (disconnect, media failure, supersede)
	// run teardown at most once.
	cleanups map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Session),
		byStudent:   make(map[string]*Session),
		byTransport: make(map[string][]*Session),
		viewers:     make(map[string]string),
		cleanups:    make(map[string]struct{}),
	}
}

// CreateStudentSession registers a new session for studentID and returns it
// along with any previous live session for the same student, which the
// caller must tear down. The previous session is unhooked from the student
// index immediately so the student never has two live sessions.
func (r *Registry) CreateStudentSession(id, studentID, transportID string) (created, superseded *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	superseded = r.byStudent[studentID]

	s := &Session{
		ID:          id,
		Role:        RoleStudent,
		StudentID:   studentID,
		TransportID: transportID,
		State:       StateNew,
	}
	r.byID[id] = s
	r.byStudent[studentID] = s
	r.byTransport[transportID] = append(r.byTransport[transportID], s)
	return s, superseded
}

// CreateAdminSession registers a viewer session for studentID on the given
// admin transport.
func (r *Registry) CreateAdminSession(id, studentID, transportID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{
		ID:          id,
		Role:        RoleAdminViewer,
		StudentID:   studentID,
		TransportID: transportID,
		State:       StateNew,
	}
	r.byID[id] = s
	r.byTransport[transportID] = append(r.byTransport[transportID], s)
	return s
}

// Find returns the session with the given ID.
func (r *Registry) Find(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// FindStudentSession returns the live session publishing for studentID.
func (r *Registry) FindStudentSession(studentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byStudent[studentID]
	return s, ok
}

// SessionsForTransport returns every session created on the given signaling
// connection. Used on disconnect to tear them all down.
func (r *Registry) SessionsForTransport(transportID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.byTransport[transportID]))
	copy(out, r.byTransport[transportID])
	return out
}

// SetState records a lifecycle transition. Returns false for unknown
// sessions, which happens when a media callback races with cleanup.
func (r *Registry) SetState(id string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	s.State = state
	return true
}

// SetMedia attaches the engine handle to a session. Returns false when the
// session is gone or already past the cleanup gate; the caller then owns
// closing the handle. Publishing the handle under the registry lock closes
// the window where a superseding teardown could observe a half-built
// session and leak the connection.
func (r *Registry) SetMedia(id string, conn engine.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	if _, inFlight := r.cleanups[id]; inFlight {
		return false
	}
	s.Media = conn
	return true
}

// Media returns the session's engine handle, if one has been attached.
func (r *Registry) Media(id string) (engine.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Media == nil {
		return nil, false
	}
	return s.Media, true
}

// SetStopAnalysis attaches the pipeline cancel function, with the same
// gating as SetMedia. A false return means teardown already ran; the
// caller cancels immediately.
func (r *Registry) SetStopAnalysis(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	if _, inFlight := r.cleanups[id]; inFlight {
		return false
	}
	s.StopAnalysis = cancel
	return true
}

// MapViewer binds an admin transport to a student's stream. A later call
// for the same student replaces the earlier binding.
func (r *Registry) MapViewer(studentID, adminTransportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[studentID] = adminTransportID
}

// ResolveViewer returns the admin transport watching studentID, if any.
func (r *Registry) ResolveViewer(studentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.viewers[studentID]
	return id, ok
}

// RemoveViewer drops the viewer binding for a student, if any. Called when
// the student side of the pair terminates.
func (r *Registry) RemoveViewer(studentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.viewers, studentID)
}

// RemoveViewersForTransport drops every viewer binding held by the given
// admin transport. Student sessions are unaffected.
func (r *Registry) RemoveViewersForTransport(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for studentID, tid := range r.viewers {
		if tid == transportID {
			delete(r.viewers, studentID)
		}
	}
}

// BeginCleanup claims the teardown ticket for a session. Exactly one caller
// wins; everyone else gets false and must not touch the session. Unknown
// sessions also return false, so double cleanup after removal is harmless.
// Once the ticket exists, SetMedia/SetStopAnalysis refuse further writes,
// so the winner may read Media and StopAnalysis without the lock.
func (r *Registry) BeginCleanup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if _, inFlight := r.cleanups[id]; inFlight {
		return nil, false
	}
	r.cleanups[id] = struct{}{}
	return s, true
}

// CompleteCleanup removes a torn-down session from all indexes and releases
// its ticket. Only the BeginCleanup winner calls this.
func (r *Registry) CompleteCleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		delete(r.cleanups, id)
		return
	}
	delete(r.byID, id)
	delete(r.cleanups, id)

	// A superseding session may already own the student slot; only clear
	// it if it still points at us.
	if s.Role == RoleStudent {
		if cur, ok := r.byStudent[s.StudentID]; ok && cur.ID == id {
			delete(r.byStudent, s.StudentID)
		}
	}

	list := r.byTransport[s.TransportID]
	for i, other := range list {
		if other.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byTransport, s.TransportID)
	} else {
		r.byTransport[s.TransportID] = list
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
