// Package analysis samples frames from a student's video, runs face
// detection and head-pose estimation, and debounces the results into
// discrete suspicious-activity events.
package analysis

import (
	"context"
	"fmt"
)

// Frame is one decoded video frame in packed BGR order.
type Frame struct {
	Width    int
	Height   int
	Channels int

	// Stride is the number of bytes per row. Zero means tightly packed
	// (Width * Channels).
	Stride int

	Pixels []byte
}

func (f *Frame) rowBytes() int {
	return f.Width * f.Channels
}

func (f *Frame) stride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.rowBytes()
}

// Validate rejects frames the detector cannot process. A rejected frame is
// skipped by the pipeline, never an error that tears anything down.
func (f *Frame) Validate() error {
	if f == nil || len(f.Pixels) == 0 {
		return fmt.Errorf("empty pixel buffer")
	}
	if f.Channels != 3 {
		return fmt.Errorf("expected 3 channels, got %d", f.Channels)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("non-positive dimensions %dx%d", f.Width, f.Height)
	}
	if f.stride() < f.rowBytes() {
		return fmt.Errorf("stride %d smaller than row length %d", f.stride(), f.rowBytes())
	}
	if len(f.Pixels) < (f.Height-1)*f.stride()+f.rowBytes() {
		return fmt.Errorf("pixel buffer too short: %d bytes", len(f.Pixels))
	}
	return nil
}

// Contiguous returns a tightly packed copy of the frame, or the frame
// itself when no row padding is present.
func (f *Frame) Contiguous() *Frame {
	row := f.rowBytes()
	if f.stride() == row && len(f.Pixels) == f.Height*row {
		return f
	}

	packed := make([]byte, f.Height*row)
	for y := 0; y < f.Height; y++ {
		src := f.Pixels[y*f.stride() : y*f.stride()+row]
		copy(packed[y*row:], src)
	}
	return &Frame{
		Width:    f.Width,
		Height:   f.Height,
		Channels: f.Channels,
		Pixels:   packed,
	}
}

// FrameSource produces the frames of a live video track in order. The
// sequence is lazy and not restartable: a frame that is skipped cannot be
// replayed.
type FrameSource interface {
	// Next blocks until the next frame is available. It returns io.EOF when
	// the track ends.
	Next(ctx context.Context) (*Frame, error)
}

// FrameSink receives every frame the pipeline consumes, analyzed or not,
// preserving the media path.
type FrameSink interface {
	Deliver(f *Frame)
}

// DiscardSink drops frames. Used when the media path is forwarded at the
// transport layer and the pipeline only taps the decoded stream.
type DiscardSink struct{}

func (DiscardSink) Deliver(*Frame) {}
