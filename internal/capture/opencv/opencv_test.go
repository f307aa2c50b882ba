package opencv

import (
	"errors"
	"os"
	"testing"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/types"
)

// These tests need a camera; set FACED_TEST_CAMERA=1 to run them.
func requireCamera(t *testing.T) {
	t.Helper()
	if os.Getenv("FACED_TEST_CAMERA") == "" {
		t.Skip("set FACED_TEST_CAMERA=1 to run camera tests")
	}
}

func TestSource_ReadRGB(t *testing.T) {
	requireCamera(t)

	src, err := Open(0, capture.Settings{Width: 640, Height: 480, FPS: 30, Apply: true, Format: types.FormatRGB24})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	f, err := src.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Format != types.FormatRGB24 {
		t.Errorf("format = %s, want RGB24", f.Format)
	}
	if len(f.Data) != f.Width*f.Height*3 {
		t.Errorf("data = %d bytes for %s", len(f.Data), f.Resolution())
	}
}

func TestSource_ReadAfterClose(t *testing.T) {
	requireCamera(t)

	src, err := Open(0, capture.Settings{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	src.Close()
	if _, err := src.Read(); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("Read() after Close = %v, want capture.ErrClosed", err)
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	requireCamera(t)

	if _, err := Open(99, capture.Settings{}); err == nil {
		t.Error("Open(99) succeeded, want error")
	}
}
