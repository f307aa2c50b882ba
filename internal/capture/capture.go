// Package capture defines the frame source the capture loop reads from.
//
// A Source is pulled one frame at a time by the loop goroutine that opened it and is
// never shared. Implementations live in subpackages so the loop and its tests do not
// link OpenCV or GStreamer.
package capture

import (
	"context"
	"errors"

	"github.com/Arfidz12/PCV/internal/types"
)

var (
	// ErrFrameRead marks a transient read failure; the loop retries after a short delay
	ErrFrameRead = errors.New("capture: frame read failed")
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("capture: source closed")
)

// Source produces frames on demand
type Source interface {
	// Read blocks until the next frame is available. A failed read returns an error
	// wrapping ErrFrameRead and leaves the source usable.
	Read() (types.Frame, error)
	// Name identifies the device or stream in logs
	Name() string
	Close() error
}

// Opener acquires a source. It is called from the loop goroutine during Opening.
type Opener func(ctx context.Context) (Source, error)

// Settings are the capture hints shared by every backend
type Settings struct {
	Width  int
	Height int
	FPS    int
	// Apply pushes the hints to the device; otherwise the device default is kept
	Apply bool
	// Format is the pixel layout Read should return when the backend can produce it
	// natively; the loop converts anything else.
	Format types.PixelFormat
}
