package types

import (
	"fmt"
	"time"
)

// PixelFormat names the byte layout of Frame.Data
type PixelFormat string

const (
	// FormatBGR24 is packed 8-bit blue, green, red (OpenCV native)
	FormatBGR24 PixelFormat = "BGR24"
	// FormatRGB24 is packed 8-bit red, green, blue (what landmark models expect)
	FormatRGB24 PixelFormat = "RGB24"
)

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format of Data
	Format PixelFormat
	// Data contains the packed pixel data, Width*Height*3 bytes
	Data []byte
	// Source identifies the capture source the frame came from
	Source string
	// TraceID is a unique identifier for following a frame through the logs
	TraceID string
}

// Empty reports whether the frame carries no pixels
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0
}

// ConvertTo returns the frame in the requested pixel format.
// The receiver is never modified; a converted frame gets its own buffer.
func (f Frame) ConvertTo(format PixelFormat) (Frame, error) {
	if f.Format == format {
		return f, nil
	}
	if f.Empty() {
		return Frame{}, fmt.Errorf("convert %s -> %s: empty frame", f.Format, format)
	}

	swap := (f.Format == FormatBGR24 && format == FormatRGB24) ||
		(f.Format == FormatRGB24 && format == FormatBGR24)
	if !swap {
		return Frame{}, fmt.Errorf("convert %s -> %s: unsupported conversion", f.Format, format)
	}

	want := f.Width * f.Height * 3
	if len(f.Data) < want {
		return Frame{}, fmt.Errorf("convert %s -> %s: short buffer (%d < %d bytes)", f.Format, format, len(f.Data), want)
	}

	out := make([]byte, want)
	for i := 0; i < want; i += 3 {
		out[i] = f.Data[i+2]
		out[i+1] = f.Data[i+1]
		out[i+2] = f.Data[i]
	}

	converted := f
	converted.Format = format
	converted.Data = out
	return converted, nil
}

// Resolution formats the frame size as WIDTHxHEIGHT
func (f Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
