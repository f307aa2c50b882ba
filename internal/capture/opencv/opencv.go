// Package opencv reads frames from a local camera through gocv.
package opencv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/types"
)

// Source wraps a gocv VideoCapture
type Source struct {
	device   int
	settings capture.Settings

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	img    gocv.Mat
	rgb    gocv.Mat
	seq    uint64
	closed bool
}

// Opener returns a capture.Opener for a camera index
func Opener(device int, settings capture.Settings) capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		return Open(device, settings)
	}
}

// Open opens the camera and applies the resolution and fps hints when requested
func Open(device int, settings capture.Settings) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %d is not opened", device)
	}

	if settings.Apply {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(settings.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(settings.Height))
		vc.Set(gocv.VideoCaptureFPS, float64(settings.FPS))
	}
	if settings.Format == "" {
		settings.Format = types.FormatBGR24
	}

	slog.Info("capture: camera opened",
		"device", device,
		"width", vc.Get(gocv.VideoCaptureFrameWidth),
		"height", vc.Get(gocv.VideoCaptureFrameHeight),
		"fps", vc.Get(gocv.VideoCaptureFPS),
		"hints_applied", settings.Apply,
	)

	return &Source{
		device:   device,
		settings: settings,
		cap:      vc,
		img:      gocv.NewMat(),
		rgb:      gocv.NewMat(),
	}, nil
}

// Read grabs the next frame. An empty grab is reported as capture.ErrFrameRead.
func (s *Source) Read() (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.Frame{}, capture.ErrClosed
	}
	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		return types.Frame{}, fmt.Errorf("%w: device %d returned no frame", capture.ErrFrameRead, s.device)
	}

	mat := s.img
	format := types.FormatBGR24
	if s.settings.Format == types.FormatRGB24 {
		gocv.CvtColor(s.img, &s.rgb, gocv.ColorBGRToRGB)
		mat = s.rgb
		format = types.FormatRGB24
	}

	// ToBytes copies, so the Mat can be reused on the next read
	data := mat.ToBytes()
	seq := s.seq
	s.seq++

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Format:    format,
		Data:      data,
		Source:    s.Name(),
		TraceID:   uuid.New().String(),
	}, nil
}

// Name identifies the camera in logs
func (s *Source) Name() string {
	return fmt.Sprintf("camera:%d", s.device)
}

// Close releases the camera and the frame buffers. Safe to call twice.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.cap.Close()
	s.img.Close()
	s.rgb.Close()

	slog.Info("capture: camera released", "device", s.device, "frames", s.seq)
	return err
}
