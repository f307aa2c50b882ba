// Package gstreamer reads RGB frames from a GStreamer pipeline through an appsink.
//
// The appsink callback copies each mapped buffer into a one-slot channel, replacing an
// unread frame, and Read takes from that slot. A bus goroutine records EOS and errors;
// after either, Read keeps reporting capture.ErrFrameRead until the source is closed.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/types"
)

// readTimeout bounds one Read when no frame arrives
const readTimeout = time.Second

// Source is a running GStreamer pipeline
type Source struct {
	cfg      Config
	pipeline *gst.Pipeline
	sink     *app.Sink
	name     string

	frames chan types.Frame
	stopCh chan struct{}
	wg     sync.WaitGroup

	seq        uint64 // atomic
	dropped    uint64 // atomic
	closedFlag atomic.Bool

	errMu     sync.Mutex
	streamErr error
}

// Opener returns a capture.Opener for cfg
func Opener(cfg Config) capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		return Open(ctx, cfg)
	}
}

// Open builds the pipeline and sets it PLAYING
func Open(ctx context.Context, cfg Config) (*Source, error) {
	gst.Init(nil)

	desc := BuildPipeline(cfg)
	slog.Debug("capture: creating gstreamer pipeline", "pipeline", desc)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("pipeline has no appsink named %q: %w", sinkName, err)
	}

	s := &Source{
		cfg:      cfg,
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		name:     sourceName(cfg),
		frames:   make(chan types.Frame, 1),
		stopCh:   make(chan struct{}),
	}

	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.wg.Add(1)
	go s.monitorBus()

	slog.Info("capture: gstreamer pipeline started", "source", s.name)
	return s, nil
}

func sourceName(cfg Config) string {
	switch {
	case cfg.Pipeline != "":
		return "gstreamer:custom"
	case cfg.URI != "":
		return "gstreamer:" + cfg.URI
	default:
		return fmt.Sprintf("gstreamer:/dev/video%d", cfg.Device)
	}
}

// onNewSample copies the mapped buffer (GStreamer reuses it) into the frame slot
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	width, height := s.cfg.Width, s.cfg.Height
	if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
		st := caps.GetStructureAt(0)
		if v, err := st.GetValue("width"); err == nil {
			if w, ok := v.(int); ok {
				width = w
			}
		}
		if v, err := st.GetValue("height"); err == nil {
			if h, ok := v.(int); ok {
				height = h
			}
		}
	}

	frame := types.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1) - 1,
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Format:    types.FormatRGB24,
		Data:      frameData,
		Source:    s.name,
		TraceID:   uuid.New().String(),
	}

	// Replace an unread frame rather than block the streaming thread.
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

func (s *Source) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("capture: end of stream", "source", s.name)
			s.setStreamErr(errors.New("end of stream"))

		case gst.MessageError:
			gerr := msg.ParseError()
			category := Classify(gerr.Error(), gerr.DebugString())
			slog.Error("capture: pipeline error",
				"source", s.name,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			s.setStreamErr(fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error()))

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("capture: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

func (s *Source) setStreamErr(err error) {
	s.errMu.Lock()
	s.streamErr = err
	s.errMu.Unlock()
}

func (s *Source) lastStreamErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.streamErr
}

// Read waits up to one second for the next frame
func (s *Source) Read() (types.Frame, error) {
	if s.closedFlag.Load() {
		return types.Frame{}, capture.ErrClosed
	}
	if err := s.lastStreamErr(); err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", capture.ErrFrameRead, err)
	}

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return types.Frame{}, fmt.Errorf("%w: no frame within %v", capture.ErrFrameRead, readTimeout)
	case <-s.stopCh:
		return types.Frame{}, capture.ErrClosed
	}
}

// Name identifies the stream in logs
func (s *Source) Name() string { return s.name }

// Close stops the pipeline. Safe to call twice.
func (s *Source) Close() error {
	if !s.closedFlag.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()

	err := s.pipeline.SetState(gst.StateNull)
	slog.Info("capture: gstreamer pipeline stopped",
		"source", s.name,
		"frames", atomic.LoadUint64(&s.seq),
		"dropped", atomic.LoadUint64(&s.dropped),
	)
	return err
}
