// Package engine abstracts the WebRTC media engine behind capability
// interfaces. The signaling router drives Conn objects without knowing
// about ICE, DTLS, or codec internals; the production implementation wraps
// pion, and tests substitute fakes.
package engine

import (
	"context"

	"github.com/pion/rtp"

	"github.com/examwatch/proctor-signaling/internal/analysis"
)

// SessionDescription is an SDP blob plus its type ("offer" or "answer").
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors the browser's RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnState is the engine-level connection lifecycle.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
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

// Terminal reports whether the state routes to teardown.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Track is a received media stream.
type Track interface {
	ID() string
	Kind() string

	// Frames returns the decoded frame sequence of a video track. It fails
	// when no frame decoder is configured.
	Frames(ctx context.Context) (analysis.FrameSource, error)
}

// Tap is an opaque handle to a session's outgoing copy of its video,
// attachable to another connection's outgoing track set.
type Tap interface {
	ID() string
}

// Conn is one media engine connection. It is exclusively owned by its
// Session from creation until cleanup completes; no two goroutines may
// negotiate or close the same Conn concurrently.
type Conn interface {
	SetRemoteDescription(desc SessionDescription) error
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	LocalDescription() (SessionDescription, bool)
	AddICECandidate(c ICECandidateInit) error

	// OnTrack registers the callback invoked when the remote peer adds a
	// media track.
	OnTrack(fn func(Track))

	// OnStateChange registers the callback for connection and ICE state
	// transitions. Terminal states must route through the registry's
	// cleanup gate, never close the Conn directly from the callback's
	// goroutine assumptions.
	OnStateChange(fn func(ConnState))

	// VideoTap returns the outgoing copy of this connection's received
	// video, once a video track has arrived.
	VideoTap() (Tap, bool)

	// AttachVideo adds another session's tap to this connection's outgoing
	// track set.
	AttachVideo(t Tap) error

	Close() error
}

// Engine constructs media connections.
type Engine interface {
	NewConn() (Conn, error)
}

// Decoder turns an RTP video stream into decoded frames. Decoding is an
// external capability (hardware or a transcoding sidecar); the engine only
// routes packets into it.
type Decoder interface {
	OpenStream(mimeType string) (DecodedStream, error)
}

// DecodedStream accepts RTP packets on one side and produces frames on the
// other.
type DecodedStream interface {
	analysis.FrameSource

	WriteRTP(pkt *rtp.Packet) error
	Close() error
}
