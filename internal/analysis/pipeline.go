package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/store"
)

const (
	// DefaultSampleInterval analyzes one frame in five, bounding inference
	// cost while keeping detection latency within a second at typical frame
	// rates.
	DefaultSampleInterval = 5

	defaultEventBuffer = 16
)

// Event is one debounced activity detection, published on the pipeline's
// event channel and consumed by the session's dispatcher.
type Event struct {
	Kind      store.ActivityKind
	Timestamp time.Time
}

type Config struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Detector Detector
	Pose     PoseEstimator

	// SampleInterval analyzes every Nth frame. Zero selects
	// DefaultSampleInterval.
	SampleInterval int

	// EventBuffer bounds the pending event queue. When the dispatcher falls
	// behind, further events are dropped rather than stalling the media
	// path.
	EventBuffer int

	Clock func() time.Time
}

// Pipeline consumes one student session's video frames. It is owned by a
// single goroutine; none of its state is shared with the router.
type Pipeline struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	detector Detector
	pose     PoseEstimator

	sampleInterval uint64
	clock          func() time.Time

	events chan Event

	frameCount   uint64
	lastReported store.ActivityKind
}

func New(cfg Config) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pose := cfg.Pose
	if pose == nil {
		pose = CenterOffsetEstimator{Threshold: 50}
	}

	return &Pipeline{
		log:            log,
		metrics:        cfg.Metrics,
		detector:       cfg.Detector,
		pose:           pose,
		sampleInterval: uint64(interval),
		clock:          clock,
		events:         make(chan Event, buffer),
	}
}

// Events is the channel of debounced detections. It is closed when Run
// returns.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Run consumes src until the track ends or ctx is cancelled. Every frame is
// delivered to out whether or not it was analyzed; analysis failures are
// logged and treated as no activity for that sample.
func (p *Pipeline) Run(ctx context.Context, src FrameSource, out FrameSink) error {
	defer close(p.events)

	if out == nil {
		out = DiscardSink{}
	}

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		out.Deliver(frame)

		p.frameCount++
		if p.frameCount%p.sampleInterval != 0 {
			continue
		}
		p.metrics.Inc(metrics.FrameSampled)

		kind, ok := p.analyze(ctx, frame)
		if !ok {
			continue
		}

		if kind == "" {
			// Explicit "nothing suspicious" resets the debounce so the next
			// occurrence of a previously reported activity is reported again.
			p.lastReported = ""
			continue
		}
		if kind == p.lastReported {
			continue
		}
		p.lastReported = kind
		p.emit(Event{Kind: kind, Timestamp: p.clock()})
	}
}

// analyze classifies one sampled frame. ok is false when the frame was
// rejected or detection failed; those samples leave the debounce state
// untouched.
func (p *Pipeline) analyze(ctx context.Context, frame *Frame) (store.ActivityKind, bool) {
	if err := frame.Validate(); err != nil {
		p.metrics.Inc(metrics.FrameRejected)
		p.log.Warn("rejecting frame", "err", err)
		return "", false
	}
	frame = frame.Contiguous()

	if p.detector == nil {
		return "", false
	}

	faces, err := p.detector.DetectFaces(ctx, frame)
	if err != nil {
		p.metrics.Inc(metrics.AnalysisError)
		p.log.Warn("face detection failed", "err", err)
		return "", false
	}

	switch {
	case len(faces) == 0:
		return store.ActivityNoFace, true
	case len(faces) > 1:
		return store.ActivityMultipleFaces, true
	default:
		pose, ok := p.pose.EstimateHeadPose(faces, frame)
		if !ok {
			return "", false
		}
		if pose != PoseCenter {
			return store.ActivityLookingAway, true
		}
		return "", true
	}
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
		p.metrics.Inc(metrics.ActivityDetected)
	default:
		p.metrics.Inc(metrics.ActivityDropped)
		p.log.Warn("activity event dropped, dispatcher behind", "kind", string(ev.Kind))
	}
}
