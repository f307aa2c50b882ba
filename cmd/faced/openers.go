package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/capture/gstreamer"
	"github.com/Arfidz12/PCV/internal/capture/opencv"
	"github.com/Arfidz12/PCV/internal/config"
	"github.com/Arfidz12/PCV/internal/landmarks"
	"github.com/Arfidz12/PCV/internal/landmarks/onnx"
	"github.com/Arfidz12/PCV/internal/landmarks/worker"
	"github.com/Arfidz12/PCV/internal/types"
)

func newSourceOpener(cfg config.CaptureConfig, instanceID string) capture.Opener {
	settings := capture.Settings{
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
		Apply:  cfg.CustomSettings,
		Format: types.FormatBGR24,
	}

	switch cfg.Backend {
	case "gstreamer":
		return gstreamer.Opener(gstreamer.Config{
			Pipeline: cfg.Pipeline,
			URI:      cfg.URI,
			Device:   cfg.Device,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
		})
	case "mock":
		return func(ctx context.Context) (capture.Source, error) {
			return capture.NewMockSource(settings, "mock-"+instanceID), nil
		}
	default:
		return opencv.Opener(cfg.Device, settings)
	}
}

// modelOpener opens the configured backend and keeps the live worker for health probes
type modelOpener struct {
	cfg    config.ModelConfig
	id     string
	active atomic.Pointer[worker.Worker]
}

func newModelOpener(cfg *config.Config) *modelOpener {
	return &modelOpener{cfg: cfg.Model, id: cfg.InstanceID}
}

func (m *modelOpener) options() landmarks.Options {
	detection, tracking := m.cfg.Confidences()
	return landmarks.Options{
		MaxFaces:               m.cfg.MaxFaces,
		RefineLandmarks:        m.cfg.RefineLandmarks,
		MinDetectionConfidence: detection,
		MinTrackingConfidence:  tracking,
	}
}

func (m *modelOpener) open(ctx context.Context) (landmarks.Detector, error) {
	if m.cfg.Backend == "onnx" {
		return onnx.Open(onnx.Config{
			ModelPath:         m.cfg.ModelPath,
			SharedLibraryPath: m.cfg.SharedLibraryPath,
			Options:           m.options(),
		})
	}

	w, err := worker.Start(ctx, worker.Config{
		ID:             m.id,
		Command:        m.cfg.PythonPath,
		Args:           []string{m.cfg.WorkerScript},
		Options:        m.options(),
		StartupTimeout: time.Duration(m.cfg.StartupTimeoutS) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	m.active.Store(w)
	return w, nil
}

// metrics is the readiness probe; nil until a worker is running
func (m *modelOpener) metrics() any {
	if w := m.active.Load(); w != nil {
		return w.Metrics()
	}
	return nil
}
