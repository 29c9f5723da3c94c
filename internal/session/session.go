package session

import (
	"context"

	"github.com/examwatch/proctor-signaling/internal/engine"
)

// Role distinguishes the two kinds of signaling peers.
type Role int

const (
	// RoleStudent publishes webcam media and is subject to frame analysis.
	RoleStudent Role = iota
	// RoleAdminViewer subscribes to a student's video without publishing.
	RoleAdminViewer
)

func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleAdminViewer:
		return "admin_viewer"
	default:
		return "unknown"
	}
}

// State tracks a session through its lifecycle. Transitions are driven by
// signaling events and media-layer state callbacks.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one negotiated media relationship with a connected peer.
// The registry owns lifecycle bookkeeping; the session itself is a handle
// to the media connection plus identity.
type Session struct {
	// ID is assigned at creation and never reused, even when a later
	// session takes over the same student.
	ID string

	Role      Role
	StudentID string

	// TransportID is the signaling connection the session was created on.
	TransportID string

	State State

	// Media is attached through Registry.SetMedia and is nil for sessions
	// torn down before negotiation completed. Read it via Registry.Media,
	// or directly only after winning BeginCleanup.
	Media engine.Conn

	// StopAnalysis cancels the frame pipeline, if one is running. Attached
	// through Registry.SetStopAnalysis under the same gating as Media.
	StopAnalysis context.CancelFunc
}

// CloseMedia tears down the media connection and analysis pipeline. Safe to
// call multiple times; the underlying conn close is idempotent.
func (s *Session) CloseMedia() error {
	if s.StopAnalysis != nil {
		s.StopAnalysis()
	}
	if s.Media == nil {
		return nil
	}
	return s.Media.Close()
}
