package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Face is one detected face region in frame coordinates.
type Face struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pose is a coarse head orientation.
type Pose string

const (
	PoseLeft   Pose = "left"
	PoseRight  Pose = "right"
	PoseCenter Pose = "center"
)

// Detector is the face-detection capability. Implementations are external
// (an inference sidecar in production, fakes in tests).
type Detector interface {
	DetectFaces(ctx context.Context, f *Frame) ([]Face, error)
}

// PoseEstimator estimates head orientation from detected faces. The second
// return is false when no estimate is possible.
type PoseEstimator interface {
	EstimateHeadPose(faces []Face, f *Frame) (Pose, bool)
}

// CenterOffsetEstimator estimates orientation from the horizontal offset of
// the face center relative to the frame center. Offsets beyond Threshold
// pixels read as left or right.
type CenterOffsetEstimator struct {
	Threshold int
}

func (e CenterOffsetEstimator) EstimateHeadPose(faces []Face, f *Frame) (Pose, bool) {
	if len(faces) == 0 || f == nil {
		return "", false
	}
	face := faces[0]
	centerX := face.X + face.Width/2
	frameCenter := f.Width / 2

	switch {
	case centerX > frameCenter+e.Threshold:
		return PoseRight, true
	case centerX < frameCenter-e.Threshold:
		return PoseLeft, true
	default:
		return PoseCenter, true
	}
}

const (
	headerFrameWidth    = "X-Frame-Width"
	headerFrameHeight   = "X-Frame-Height"
	headerFrameChannels = "X-Frame-Channels"

	defaultDetectTimeout = 2 * time.Second
)

// HTTPDetector calls an inference sidecar: raw packed pixels in the request
// body, dimensions in headers, detected face regions as JSON.
type HTTPDetector struct {
	URL    string
	Client *http.Client
}

func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{
		URL:    url,
		Client: &http.Client{Timeout: defaultDetectTimeout},
	}
}

type detectResponse struct {
	Faces []Face `json:"faces"`
}

func (d *HTTPDetector) DetectFaces(ctx context.Context, f *Frame) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(f.Pixels))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerFrameWidth, strconv.Itoa(f.Width))
	req.Header.Set(headerFrameHeight, strconv.Itoa(f.Height))
	req.Header.Set(headerFrameChannels, strconv.Itoa(f.Channels))

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDetectTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	return out.Faces, nil
}
