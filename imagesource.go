package tileacq

import (
	"context"
	"fmt"
	"sync"

	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/xytiling"
)

// Camera is the minimal frame-grabbing surface a detector driver exposes.
type Camera interface {
	// Resolution returns the (width, height) of frames returned by FrameU16.
	Resolution() (width, height int, err error)
	// FrameU16 captures one frame, row-major.
	FrameU16() ([]uint16, error)
}

// Stage moves the sample to an absolute position in micrometres.
type Stage interface {
	MoveTo(ctx context.Context, at xytiling.Point) error
}

// CameraSource snaps frames from a Camera, optionally moving a Stage first.
// Calls are serialised because a single detector cannot expose twice at once.
type CameraSource struct {
	cam   Camera
	stage Stage

	mu sync.Mutex
}

var _ ImageSource = (*CameraSource)(nil)

// NewCameraSource returns a source for cam. stage may be nil.
func NewCameraSource(cam Camera, stage Stage) (*CameraSource, error) {
	if cam == nil {
		return nil, fmt.Errorf("camera required")
	}
	return &CameraSource{cam: cam, stage: stage}, nil
}

func (s *CameraSource) Snap(ctx context.Context, ev acq.Event, at xytiling.Point) (int, int, []uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != nil {
		if err := s.stage.MoveTo(ctx, at); err != nil {
			return 0, 0, nil, fmt.Errorf("move stage to %.2f,%.2f: %w", at.X, at.Y, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, nil, err
	}
	w, h, err := s.cam.Resolution()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("camera resolution: %w", err)
	}
	frame, err := s.cam.FrameU16()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("camera frame: %w", err)
	}
	if len(frame) != w*h {
		return 0, 0, nil, fmt.Errorf("camera returned %d pixels for %dx%d", len(frame), w, h)
	}
	return w, h, frame, nil
}
