package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/examwatch/proctor-signaling/internal/analysis"
	"github.com/examwatch/proctor-signaling/internal/config"
)

var ErrNoDecoder = errors.New("no frame decoder configured")

// Pion implements Engine on pion/webrtc.
type Pion struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	decoder    Decoder
	log        *slog.Logger
}

// NewPion constructs the engine. Misconfigurations (bad port range) are
// caught here, on startup, before any peer connection exists.
func NewPion(cfg config.Config, decoder Decoder, log *slog.Logger) (*Pion, error) {
	if log == nil {
		log = slog.Default()
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	return &Pion{
		api:        api,
		iceServers: cfg.ICEServers(),
		decoder:    decoder,
		log:        log,
	}, nil
}

func newAPI(cfg config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}

	if cfg.WebRTCUDPPortMin != 0 || cfg.WebRTCUDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortMin, cfg.WebRTCUDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// Route pion's internals through its own logger factory at warn level;
	// negotiation chatter at info is far too noisy for production logs.
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn
	se.LoggerFactory = lf

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func (e *Pion) NewConn() (Conn, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{
		pc:      pc,
		decoder: e.decoder,
		log:     e.log,
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleRemoteTrack(tr)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.notifyState(connStateFromPion(state))
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		// ICE failure can fire without a matching peer-connection failure;
		// surface it so the session still reaches teardown.
		if state == webrtc.ICEConnectionStateFailed {
			c.notifyState(StateFailed)
		}
	})

	return c, nil
}

type pionConn struct {
	pc      *webrtc.PeerConnection
	decoder Decoder
	log     *slog.Logger

	mu      sync.Mutex
	onTrack func(Track)
	onState func(ConnState)
	tap     *pionTap

	closeOnce sync.Once
}

func (c *pionConn) SetRemoteDescription(desc SessionDescription) error {
	pionDesc, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(pionDesc)
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (c *pionConn) SetLocalDescription(desc SessionDescription) error {
	// Block until ICE gathering completes so LocalDescription carries the
	// full candidate set. Browser peers get a non-trickle answer.
	gathered := webrtc.GatheringCompletePromise(c.pc)
	pionDesc, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(pionDesc); err != nil {
		return err
	}
	<-gathered
	return nil
}

func (c *pionConn) LocalDescription() (SessionDescription, bool) {
	local := c.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, false
	}
	return fromPionDescription(*local), true
}

func (c *pionConn) AddICECandidate(cand ICECandidateInit) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *pionConn) OnTrack(fn func(Track)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) VideoTap() (Tap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tap == nil {
		return nil, false
	}
	return c.tap, true
}

func (c *pionConn) AttachVideo(t Tap) error {
	tap, ok := t.(*pionTap)
	if !ok {
		return fmt.Errorf("unsupported tap type %T", t)
	}

	sender, err := c.pc.AddTrack(tap.local)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	// Drain sender RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return nil
}

func (c *pionConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		tap := c.tap
		c.tap = nil
		c.mu.Unlock()
		if tap != nil && tap.stream != nil {
			_ = tap.stream.Close()
		}
		err = c.pc.Close()
	})
	return err
}

func (c *pionConn) notifyState(state ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *pionConn) handleRemoteTrack(tr *webrtc.TrackRemote) {
	if tr.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}

	local, err := webrtc.NewTrackLocalStaticRTP(tr.Codec().RTPCodecCapability, "proctor-video", "proctor")
	if err != nil {
		c.log.Error("create video tap", "err", err)
		return
	}

	var stream DecodedStream
	if c.decoder != nil {
		stream, err = c.decoder.OpenStream(tr.Codec().MimeType)
		if err != nil {
			c.log.Warn("open decoded stream", "mime_type", tr.Codec().MimeType, "err", err)
			stream = nil
		}
	}

	tap := &pionTap{id: tr.ID(), local: local, stream: stream}
	c.mu.Lock()
	c.tap = tap
	onTrack := c.onTrack
	c.mu.Unlock()

	// Single reader for the remote track: fan RTP out to the tap and, when
	// a decoder is present, into the frame stream.
	go func() {
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			_ = local.WriteRTP(pkt)
			if stream != nil {
				_ = stream.WriteRTP(pkt)
			}
		}
	}()

	if onTrack != nil {
		onTrack(&pionTrack{id: tr.ID(), kind: tr.Kind().String(), stream: stream})
	}
}

type pionTap struct {
	id     string
	local  *webrtc.TrackLocalStaticRTP
	stream DecodedStream
}

func (t *pionTap) ID() string { return t.id }

type pionTrack struct {
	id     string
	kind   string
	stream DecodedStream
}

func (t *pionTrack) ID() string   { return t.id }
func (t *pionTrack) Kind() string { return t.kind }

func (t *pionTrack) Frames(ctx context.Context) (analysis.FrameSource, error) {
	if t.stream == nil {
		return nil, ErrNoDecoder
	}
	return t.stream, nil
}

func toPionDescription(desc SessionDescription) (webrtc.SessionDescription, error) {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}

func fromPionDescription(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func connStateFromPion(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
