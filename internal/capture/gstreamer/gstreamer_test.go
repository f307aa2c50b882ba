package gstreamer

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/types"
)

func requireGStreamer(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("gst-inspect-1.0"); err != nil {
		t.Skip("GStreamer not installed")
	}
	if err := exec.Command("gst-inspect-1.0", "videotestsrc").Run(); err != nil {
		t.Skip("videotestsrc plugin not available")
	}
}

func TestSource_VideoTestSrc(t *testing.T) {
	requireGStreamer(t)

	cfg := Config{
		Pipeline: "videotestsrc is-live=true ! videoconvert ! video/x-raw,format=RGB,width=64,height=48,framerate=30/1 ! appsink name=facesink sync=false max-buffers=1 drop=true",
		Width:    64,
		Height:   48,
	}
	src, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	var f types.Frame
	for i := 0; i < 5; i++ {
		f, err = src.Read()
		if err == nil {
			break
		}
		if !errors.Is(err, capture.ErrFrameRead) {
			t.Fatalf("Read: %v", err)
		}
	}
	if err != nil {
		t.Fatalf("no frame after 5 reads: %v", err)
	}

	if f.Width != 64 || f.Height != 48 || f.Format != types.FormatRGB24 {
		t.Errorf("frame = %s %s", f.Resolution(), f.Format)
	}
	if len(f.Data) < 64*48*3 {
		t.Errorf("data = %d bytes, want >= %d", len(f.Data), 64*48*3)
	}

	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := src.Read(); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("Read() after Close = %v, want capture.ErrClosed", err)
	}
}

func TestOpen_BadPipeline(t *testing.T) {
	requireGStreamer(t)

	if _, err := Open(context.Background(), Config{Pipeline: "videotestsrc ! fakesink"}); err == nil {
		t.Error("Open() without the named appsink should fail")
	}
}
