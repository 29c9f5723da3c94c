package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/examwatch/proctor-signaling/internal/analysis"
	"github.com/examwatch/proctor-signaling/internal/engine"
	"github.com/examwatch/proctor-signaling/internal/ice"
	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/session"
	"github.com/examwatch/proctor-signaling/internal/store"
)

// Transport delivers named events to connected peers. The production
// implementation is the websocket Hub; tests substitute a recorder.
type Transport interface {
	// Emit sends one event to the peer with the given connection id.
	Emit(sid, event string, payload any) error
	// Broadcast sends one event to every peer except skipSID.
	Broadcast(event string, payload any, skipSID string)
}

type RouterConfig struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Registry *session.Registry
	Engine   engine.Engine
	Store    store.ActivityStore
	Detector analysis.Detector
	Pose     analysis.PoseEstimator

	SampleInterval int

	// NewID overrides session id generation. Defaults to random hex.
	NewID func() string
	Clock func() time.Time
}

// Router dispatches signaling events and owns session lifecycle. One call
// per inbound message; per-connection ordering is the transport's job.
type Router struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	engine   engine.Engine
	store    store.ActivityStore
	detector analysis.Detector
	pose     analysis.PoseEstimator

	transport Transport

	sampleInterval int
	newID          func() string
	clock          func() time.Time
}

func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = randomID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Router{
		log:            log,
		metrics:        cfg.Metrics,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		store:          cfg.Store,
		detector:       cfg.Detector,
		pose:           cfg.Pose,
		sampleInterval: cfg.SampleInterval,
		newID:          newID,
		clock:          clock,
	}
}

// SetTransport wires the transport after construction. The hub needs the
// router for dispatch and the router needs the hub for emission, so one
// side is attached late.
func (r *Router) SetTransport(t Transport) {
	r.transport = t
}

// HandleEvent dispatches one inbound message. Panics inside a handler are
// contained here; a malformed or hostile message must never take down the
// dispatch loop for other connections.
func (r *Router) HandleEvent(sid, event string, data json.RawMessage) {
	defer func() {
		if v := recover(); v != nil {
			r.metrics.Inc(metrics.DropReasonBadMessage)
			r.log.Error("signaling handler panic", "event", event, "sid", sid, "panic", v)
		}
	}()

	switch event {
	case EventConnect:
		r.log.Info("peer connected", "sid", sid)
	case EventOffer:
		r.handleOffer(sid, data)
	case EventAdminOffer:
		r.handleAdminOffer(sid, data)
	case EventAnswer:
		r.handleAnswer(sid, data)
	case EventCandidate:
		r.handleCandidate(sid, data)
	case EventDisconnect:
		r.handleDisconnect(sid)
	default:
		r.metrics.Inc(metrics.DropReasonBadMessage)
		r.log.Warn("unknown signaling event", "event", event, "sid", sid)
	}
}

func (r *Router) handleOffer(sid string, data json.RawMessage) {
	p, err := parseOffer(data)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonBadMessage)
		r.log.Warn("dropping offer", "sid", sid, "err", err)
		return
	}
	r.metrics.Inc(metrics.OfferReceived)

	sess, superseded := r.registry.CreateStudentSession(r.newID(), p.StudentID, sid)
	if superseded != nil {
		r.metrics.Inc(metrics.SessionSuperseded)
		r.log.Info("superseding session", "student_id", p.StudentID, "old_session", superseded.ID)
		r.teardown(superseded)
	}
	r.metrics.Inc(metrics.SessionCreated)

	if err := r.negotiateStudent(sess, p); err != nil {
		if errors.Is(err, session.ErrSuperseded) {
			r.log.Info("offer lost to a newer one", "student_id", p.StudentID, "session", sess.ID)
		} else {
			r.log.Error("student negotiation failed", "student_id", p.StudentID, "session", sess.ID, "err", err)
		}
		r.teardown(sess)
		return
	}

	// Relay the raw offer to other peers so a directly-connected viewer can
	// answer without server mediation. The sender is excluded.
	r.transport.Broadcast(EventOffer, p, sid)
}

func (r *Router) negotiateStudent(sess *session.Session, p offerPayload) error {
	conn, err := r.engine.NewConn()
	if err != nil {
		return err
	}
	if !r.registry.SetMedia(sess.ID, conn) {
		// A later offer for the same student already tore this session
		// down; the handle was never published, so we own closing it.
		_ = conn.Close()
		return session.ErrSuperseded
	}

	conn.OnStateChange(func(state engine.ConnState) {
		r.onMediaState(sess, state)
	})
	conn.OnTrack(func(track engine.Track) {
		r.startPipeline(sess, track)
	})

	if err := conn.SetRemoteDescription(engine.SessionDescription{Type: p.Type, SDP: p.SDP}); err != nil {
		return err
	}
	r.registry.SetState(sess.ID, session.StateNegotiating)

	answer, err := conn.CreateAnswer()
	if err != nil {
		return err
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return err
	}
	local, ok := conn.LocalDescription()
	if !ok {
		return errors.New("no local description after answer")
	}

	return r.transport.Emit(sess.TransportID, EventAnswer, answerOut{
		SDP:        local.SDP,
		Type:       local.Type,
		IsAnalysis: true,
	})
}

func (r *Router) handleAdminOffer(sid string, data json.RawMessage) {
	p, err := parseAdminOffer(data)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonBadMessage)
		r.log.Warn("dropping admin offer", "sid", sid, "err", err)
		return
	}
	r.metrics.Inc(metrics.AdminOfferReceived)

	studentSess, ok := r.registry.FindStudentSession(p.StudentID)
	if !ok {
		r.log.Warn("admin offer for absent student", "student_id", p.StudentID, "sid", sid)
		return
	}

	sess := r.registry.CreateAdminSession(r.newID(), p.StudentID, sid)
	r.metrics.Inc(metrics.SessionCreated)
	r.registry.MapViewer(p.StudentID, sid)

	// Forward to the student for the direct viewing path.
	if err := r.transport.Emit(studentSess.TransportID, EventOffer, offerRelay{
		StudentID:    p.StudentID,
		SDP:          p.SDP.SDP,
		Type:         p.SDP.Type,
		IsAdminOffer: true,
		FromAdmin:    true,
		AdminID:      sid,
	}); err != nil {
		r.log.Warn("forwarding admin offer", "student_id", p.StudentID, "err", err)
	}

	if err := r.negotiateAdmin(sess, studentSess, p); err != nil {
		r.log.Error("admin negotiation failed", "student_id", p.StudentID, "session", sess.ID, "err", err)
		r.teardown(sess)
	}
}

// negotiateAdmin answers the admin's offer with a server-side connection
// carrying the student's video tap, so the viewer still gets the stream
// when the direct path does not come up.
func (r *Router) negotiateAdmin(sess, studentSess *session.Session, p adminOfferPayload) error {
	conn, err := r.engine.NewConn()
	if err != nil {
		return err
	}
	if !r.registry.SetMedia(sess.ID, conn) {
		_ = conn.Close()
		return session.ErrSuperseded
	}

	conn.OnStateChange(func(state engine.ConnState) {
		r.onMediaState(sess, state)
	})

	if err := conn.SetRemoteDescription(engine.SessionDescription{Type: p.SDP.Type, SDP: p.SDP.SDP}); err != nil {
		return err
	}
	r.registry.SetState(sess.ID, session.StateNegotiating)

	if studentMedia, ok := r.registry.Media(studentSess.ID); ok {
		if tap, ok := studentMedia.VideoTap(); ok {
			if err := conn.AttachVideo(tap); err != nil {
				return err
			}
		} else {
			r.log.Info("student video not yet available for viewer", "student_id", sess.StudentID)
		}
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return err
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return err
	}
	local, ok := conn.LocalDescription()
	if !ok {
		return errors.New("no local description after answer")
	}

	return r.transport.Emit(sess.TransportID, EventAdminAnswer, answerOut{
		SDP:  local.SDP,
		Type: local.Type,
	})
}

func (r *Router) handleAnswer(sid string, data json.RawMessage) {
	p, err := parseAnswer(data)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonBadMessage)
		r.log.Warn("dropping answer", "sid", sid, "err", err)
		return
	}

	switch {
	case p.AdminID != "":
		if err := r.transport.Emit(p.AdminID, EventAnswer, p); err != nil {
			r.log.Warn("relaying answer to admin", "admin_sid", p.AdminID, "err", err)
			return
		}
		r.metrics.Inc(metrics.AnswerRelayed)
	case p.IsAnalysis:
		// Handshake for a server-side connection; never rebroadcast.
		r.log.Debug("consumed analysis answer", "student_id", p.StudentID, "sid", sid)
	default:
		r.transport.Broadcast(EventAnswer, p, sid)
		r.metrics.Inc(metrics.AnswerRelayed)
	}
}

func (r *Router) handleCandidate(sid string, data json.RawMessage) {
	p, err := parseCandidate(data)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonBadMessage)
		r.log.Warn("dropping candidate", "sid", sid, "err", err)
		return
	}

	if _, err := ice.Parse(p.Candidate); err != nil {
		r.metrics.Inc(metrics.CandidateRejected)
		r.log.Warn("rejecting malformed candidate", "sid", sid, "err", err)
		return
	}

	switch {
	case p.IsAnalysis:
		r.addLocalCandidate(sid, p)
	case p.AdminID != "":
		if err := r.transport.Emit(p.AdminID, EventCandidate, p); err != nil {
			r.log.Warn("relaying candidate to admin", "admin_sid", p.AdminID, "err", err)
			return
		}
		r.metrics.Inc(metrics.CandidateRelayed)
	default:
		r.transport.Broadcast(EventCandidate, p, sid)
		r.metrics.Inc(metrics.CandidateRelayed)
	}
}

// addLocalCandidate applies a trickled candidate to the sender's
// server-side connection.
func (r *Router) addLocalCandidate(sid string, p candidatePayload) {
	for _, sess := range r.registry.SessionsForTransport(sid) {
		if p.StudentID != "" && sess.StudentID != p.StudentID {
			continue
		}
		media, ok := r.registry.Media(sess.ID)
		if !ok {
			continue
		}
		if err := media.AddICECandidate(engine.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}); err != nil {
			r.metrics.Inc(metrics.CandidateRejected)
			r.log.Warn("adding candidate", "session", sess.ID, "err", err)
			continue
		}
		r.metrics.Inc(metrics.CandidateRelayed)
	}
}

func (r *Router) handleDisconnect(sid string) {
	r.log.Info("peer disconnected", "sid", sid)
	for _, sess := range r.registry.SessionsForTransport(sid) {
		r.teardown(sess)
	}
	r.registry.RemoveViewersForTransport(sid)
}

// onMediaState reacts to connection-state callbacks from the media layer.
// These fire on the engine's goroutines and may race an explicit
// disconnect; the cleanup gate keeps teardown single-shot.
func (r *Router) onMediaState(sess *session.Session, state engine.ConnState) {
	switch state {
	case engine.StateConnected:
		r.registry.SetState(sess.ID, session.StateConnected)
	case engine.StateDisconnected:
		r.registry.SetState(sess.ID, session.StateDisconnected)
		r.teardown(sess)
	case engine.StateFailed:
		r.registry.SetState(sess.ID, session.StateFailed)
		r.teardown(sess)
	case engine.StateClosed:
		r.teardown(sess)
	}
}

// teardown closes a session exactly once. Losers of the cleanup ticket
// return immediately and must not touch the media handle.
func (r *Router) teardown(sess *session.Session) {
	s, ok := r.registry.BeginCleanup(sess.ID)
	if !ok {
		return
	}
	if err := s.CloseMedia(); err != nil {
		r.log.Warn("closing media", "session", s.ID, "err", err)
	}
	if s.Role == session.RoleStudent {
		r.registry.RemoveViewer(s.StudentID)
	}
	r.registry.CompleteCleanup(s.ID)
	r.metrics.Inc(metrics.SessionCleanedUp)
	r.log.Info("session cleaned up", "session", s.ID, "student_id", s.StudentID, "role", s.Role.String())
}

// startPipeline runs frame analysis for a student session's video track.
// Called from the engine's OnTrack goroutine.
func (r *Router) startPipeline(sess *session.Session, track engine.Track) {
	if sess.Role != session.RoleStudent {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !r.registry.SetStopAnalysis(sess.ID, cancel) {
		// Torn down before the track arrived.
		cancel()
		return
	}

	src, err := track.Frames(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, engine.ErrNoDecoder) {
			r.log.Info("frame analysis unavailable for track", "session", sess.ID, "track", track.ID())
			return
		}
		r.log.Warn("opening frame source", "session", sess.ID, "err", err)
		return
	}

	pipe := analysis.New(analysis.Config{
		Log:            r.log.With("student_id", sess.StudentID),
		Metrics:        r.metrics,
		Detector:       r.detector,
		Pose:           r.pose,
		SampleInterval: r.sampleInterval,
		Clock:          r.clock,
	})

	go r.dispatchActivities(sess, pipe.Events())
	go func() {
		if err := pipe.Run(ctx, src, analysis.DiscardSink{}); err != nil {
			r.log.Warn("pipeline stopped", "session", sess.ID, "err", err)
		}
	}()
}

// dispatchActivities persists each debounced detection and notifies the
// mapped viewer. Runs until the pipeline's event channel closes.
func (r *Router) dispatchActivities(sess *session.Session, events <-chan analysis.Event) {
	userID := store.UserIDFromStudentID(sess.StudentID)
	for ev := range events {
		act, err := r.store.Append(context.Background(), userID, ev.Kind, ev.Timestamp)
		if err != nil {
			r.log.Warn("persisting activity", "student_id", sess.StudentID, "kind", string(ev.Kind), "err", err)
			continue
		}
		r.metrics.Inc(metrics.ActivityPersisted)

		adminSID, ok := r.registry.ResolveViewer(sess.StudentID)
		if !ok {
			r.log.Info("no viewer mapped for activity", "student_id", sess.StudentID, "kind", string(ev.Kind))
			continue
		}
		if err := r.transport.Emit(adminSID, EventSuspiciousActivity, activityOut{
			StudentID: sess.StudentID,
			Activity:  string(ev.Kind),
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
			ID:        act.ID,
		}); err != nil {
			r.log.Warn("notifying viewer", "admin_sid", adminSID, "err", err)
		}
	}
}

func randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
