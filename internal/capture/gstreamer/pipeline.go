package gstreamer

import (
	"fmt"
	"strings"
)

// sinkName is the appsink element every launch description must end in
const sinkName = "facesink"

// Config describes where frames come from
type Config struct {
	// Pipeline is a full gst-launch description ending in "appsink name=facesink".
	// When empty one is built from URI or Device.
	Pipeline string
	// URI is an rtsp://, file:// or http:// source handed to uridecodebin
	URI string
	// Device is a V4L2 index, used when neither Pipeline nor URI is set
	Device int
	Width  int
	Height int
	FPS    int
}

// BuildPipeline returns the launch description for cfg.
//
// Structure: source → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink.
// The appsink keeps only the latest buffer so a slow consumer never sees stale frames.
func BuildPipeline(cfg Config) string {
	if cfg.Pipeline != "" {
		return cfg.Pipeline
	}

	var src string
	switch {
	case cfg.URI != "":
		src = fmt.Sprintf("uridecodebin uri=%s", cfg.URI)
	default:
		src = fmt.Sprintf("v4l2src device=/dev/video%d", cfg.Device)
	}

	caps := []string{"video/x-raw", "format=RGB"}
	if cfg.Width > 0 && cfg.Height > 0 {
		caps = append(caps, fmt.Sprintf("width=%d", cfg.Width), fmt.Sprintf("height=%d", cfg.Height))
	}
	if cfg.FPS > 0 {
		caps = append(caps, fmt.Sprintf("framerate=%d/1", cfg.FPS))
	}

	return strings.Join([]string{
		src,
		"videoconvert",
		"videoscale",
		"videorate",
		strings.Join(caps, ","),
		fmt.Sprintf("appsink name=%s sync=false max-buffers=1 drop=true", sinkName),
	}, " ! ")
}

// ErrorCategory classifies pipeline errors for logs
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryDevice
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryDevice, []string{"/dev/video", "v4l2", "device", "busy", "permission denied"}},
	{ErrCategoryCodec, []string{"decode", "codec", "not-negotiated", "caps", "format"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "timed out", "refused", "unreachable", "resolve"}},
}

// Classify maps a GStreamer error message and debug string to a category
func Classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
