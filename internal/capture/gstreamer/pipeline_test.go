package gstreamer

import (
	"strings"
	"testing"
)

func TestBuildPipeline(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "v4l2 default",
			cfg:  Config{Device: 2, Width: 640, Height: 480, FPS: 60},
			want: []string{
				"v4l2src device=/dev/video2",
				"video/x-raw,format=RGB,width=640,height=480,framerate=60/1",
				"appsink name=facesink sync=false max-buffers=1 drop=true",
			},
		},
		{
			name: "uri without hints",
			cfg:  Config{URI: "rtsp://cam.local/live"},
			want: []string{
				"uridecodebin uri=rtsp://cam.local/live",
				"video/x-raw,format=RGB ! appsink",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildPipeline(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("pipeline %q missing %q", got, w)
				}
			}
		})
	}
}

func TestBuildPipeline_CustomWins(t *testing.T) {
	custom := "videotestsrc ! videoconvert ! video/x-raw,format=RGB ! appsink name=facesink"
	if got := BuildPipeline(Config{Pipeline: custom, URI: "rtsp://ignored"}); got != custom {
		t.Errorf("BuildPipeline() = %q, want custom pipeline", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading", "", ErrCategoryDevice},
		{"Internal data stream error", "streaming stopped, reason not-negotiated", ErrCategoryCodec},
		{"Could not open resource for reading", "Connection refused", ErrCategoryNetwork},
		{"Something odd", "", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.msg, tt.debug); got != tt.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tt.msg, tt.debug, got, tt.want)
		}
	}
}
