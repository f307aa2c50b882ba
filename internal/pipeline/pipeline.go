// Package pipeline runs the capture/process loop: read a frame, find the face, compute
// its metrics and send them, until the shutdown flag is raised.
//
// A Loop owns its capture source and landmark model for its whole life. It opens them
// in Opening, processes frames in Running and releases them in Draining, in that order,
// each exactly once. Every per-frame step has an explicit outcome; a failed step skips
// the rest of that iteration and is counted, never ending the loop. Only failing to
// open the source or the model is fatal.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/facemetrics"
	"github.com/Arfidz12/PCV/internal/landmarks"
	"github.com/Arfidz12/PCV/internal/logging"
	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/shutdown"
	"github.com/Arfidz12/PCV/internal/types"
)

var (
	// ErrSourceOpen is reported when the capture source cannot be opened
	ErrSourceOpen = errors.New("pipeline: capture source open failed")
	// ErrModelOpen is reported when the landmark model cannot be opened
	ErrModelOpen = errors.New("pipeline: landmark model open failed")
)

// Sender delivers one encoded message; *transport.Transport implements it
type Sender interface {
	Send(payload string) bool
}

// Config wires a Loop to its collaborators
type Config struct {
	Name        string
	OpenSource  capture.Opener
	OpenModel   landmarks.Opener
	Sender      Sender
	Calibration facemetrics.Calibration
	Shutdown    shutdown.Flag

	// OwnsSender makes Draining close Sender when it implements io.Closer
	OwnsSender bool
	// SendInterval is the pause after every iteration that read a frame (default 10ms)
	SendInterval time.Duration
	// ReadRetryDelay is the pause after a failed read (default 10ms)
	ReadRetryDelay time.Duration
	// LogInterval throttles repeated per-iteration failure logs (default 5s)
	LogInterval time.Duration
}

// Report is the terminal status of a Loop
type Report struct {
	Name     string           `json:"name"`
	State    State            `json:"state"`
	Err      error            `json:"-"`
	Stats    Stats            `json:"stats"`
	Degraded []regions.Region `json:"degraded,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// Loop is one capture/process pipeline
type Loop struct {
	cfg Config

	state   atomic.Int32
	started atomic.Bool
	stats   counters

	throttles map[step]*logging.Throttle

	// owned by the loop goroutine
	source   capture.Source
	model    landmarks.Detector
	calc     *facemetrics.Calculator
	degraded []regions.Region
	current  step
}

// New validates cfg and returns an idle loop
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.OpenSource == nil:
		return nil, fmt.Errorf("pipeline: source opener is required")
	case cfg.OpenModel == nil:
		return nil, fmt.Errorf("pipeline: model opener is required")
	case cfg.Sender == nil:
		return nil, fmt.Errorf("pipeline: sender is required")
	case cfg.Shutdown == nil:
		return nil, fmt.Errorf("pipeline: shutdown flag is required")
	}
	if cfg.Name == "" {
		cfg.Name = "face"
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = 10 * time.Millisecond
	}
	if cfg.ReadRetryDelay == 0 {
		cfg.ReadRetryDelay = 10 * time.Millisecond
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = 5 * time.Second
	}

	l := &Loop{
		cfg:       cfg,
		throttles: make(map[step]*logging.Throttle),
	}
	for s := stepRead; s <= stepSend; s++ {
		l.throttles[s] = logging.NewThrottle(cfg.LogInterval)
	}
	return l, nil
}

// State returns the current lifecycle state; safe from any goroutine
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Name returns the loop name
func (l *Loop) Name() string {
	return l.cfg.Name
}

// Stats returns a snapshot of the counters; safe from any goroutine
func (l *Loop) Stats() Stats {
	s := l.stats.snapshot()
	s.State = l.State()
	return s
}

// Start runs the loop in a new goroutine. The channel receives the final report and
// is then closed.
func (l *Loop) Start(ctx context.Context) <-chan Report {
	done := make(chan Report, 1)
	go func() {
		defer close(done)
		done <- l.Run(ctx)
	}()
	return done
}

// Run blocks until the loop is closed. ctx bounds the open and detect calls; stopping
// is requested through the shutdown flag. A loop runs once.
func (l *Loop) Run(ctx context.Context) Report {
	start := time.Now()
	if !l.started.CompareAndSwap(false, true) {
		return Report{Name: l.cfg.Name, State: l.State(), Err: fmt.Errorf("pipeline: %s already started", l.cfg.Name)}
	}

	err := l.execute(ctx)

	r := Report{
		Name:     l.cfg.Name,
		State:    l.State(),
		Err:      err,
		Stats:    l.Stats(),
		Degraded: l.degraded,
		Duration: time.Since(start),
	}
	slog.Info("pipeline: closed",
		"loop", r.Name,
		"error", err,
		"frames", r.Stats.FramesRead,
		"sent", r.Stats.Sent,
		"duration", r.Duration,
	)
	return r
}

// execute opens and runs the loop. drain is deferred so the source and model are
// released on every exit path, a panic included.
func (l *Loop) execute(ctx context.Context) (err error) {
	defer l.drain()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: recovered panic", "loop", l.cfg.Name, "state", l.State(), "panic", r)
			err = fmt.Errorf("pipeline: %s panicked while %s: %v", l.cfg.Name, l.State(), r)
		}
	}()

	if err := l.open(ctx); err != nil {
		return err
	}
	l.run(ctx)
	return nil
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	slog.Debug("pipeline: state changed", "loop", l.cfg.Name, "from", prev, "to", s)
}

// open acquires the source, then the model, and derives the region set once
func (l *Loop) open(ctx context.Context) error {
	l.setState(StateOpening)

	src, err := l.cfg.OpenSource(ctx)
	if err != nil {
		slog.Error("pipeline: failed to open capture source", "loop", l.cfg.Name, "error", err)
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	l.source = src

	model, err := l.cfg.OpenModel(ctx)
	if err != nil {
		slog.Error("pipeline: failed to open landmark model", "loop", l.cfg.Name, "error", err)
		return fmt.Errorf("%w: %v", ErrModelOpen, err)
	}
	l.model = model

	set, degraded := regions.Derive(model.Topology())
	l.degraded = degraded
	if len(degraded) > 0 {
		slog.Warn("pipeline: model does not declare every region, using fallback indices",
			"loop", l.cfg.Name,
			"regions", degraded,
		)
	}
	l.calc = facemetrics.NewCalculator(set, l.cfg.Calibration)

	slog.Info("pipeline: opened",
		"loop", l.cfg.Name,
		"source", src.Name(),
		"model", model.Name(),
		"input_format", model.InputFormat(),
	)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	l.setState(StateRunning)

	for !l.cfg.Shutdown.Requested() {
		l.stats.iterations.Add(1)

		if out := l.safeIterate(ctx); out.step == stepRead {
			time.Sleep(l.cfg.ReadRetryDelay)
			continue
		}
		if l.cfg.SendInterval > 0 {
			time.Sleep(l.cfg.SendInterval)
		}
	}
}

// drain releases the source, the model and, if owned, the sender; each release is
// attempted even if an earlier one failed or panicked
func (l *Loop) drain() {
	l.setState(StateDraining)

	if l.source != nil {
		l.release("capture source", l.source.Close)
		l.source = nil
	}
	if l.model != nil {
		l.release("landmark model", l.model.Close)
		l.model = nil
	}
	if l.cfg.OwnsSender {
		if c, ok := l.cfg.Sender.(io.Closer); ok {
			l.release("transport", c.Close)
		}
	}

	l.setState(StateClosed)
}

func (l *Loop) release(what string, closeFn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: panic releasing "+what, "loop", l.cfg.Name, "panic", r)
		}
	}()
	if err := closeFn(); err != nil {
		slog.Error("pipeline: failed to release "+what, "loop", l.cfg.Name, "error", err)
	}
}

// step names the stage of an iteration
type step int

const (
	stepRead step = iota
	stepConvert
	stepDetect
	stepValidate
	stepCompute
	stepMarshal
	stepSend
	stepDone
)

func (s step) String() string {
	return [...]string{"read", "convert", "detect", "validate", "compute", "marshal", "send", "done"}[s]
}

// outcome is the result of one iteration: the step it stopped at and why
type outcome struct {
	step step
	err  error
}

var errSendFailed = errors.New("no sink accepted the message")

// safeIterate runs iterate and turns a panic in any collaborator into a failure of
// the step that was running
func (l *Loop) safeIterate(ctx context.Context) (out outcome) {
	l.current = stepRead
	defer func() {
		if r := recover(); r != nil {
			out = l.fail(l.current, fmt.Errorf("recovered panic: %v", r), types.Frame{})
		}
	}()
	return l.iterate(ctx)
}

// iterate runs one read-convert-detect-validate-compute-marshal-send pass
func (l *Loop) iterate(ctx context.Context) outcome {
	l.current = stepRead
	frame, err := l.source.Read()
	if err != nil {
		return l.fail(stepRead, err, frame)
	}
	l.stats.framesRead.Add(1)

	l.current = stepConvert
	converted, err := frame.ConvertTo(l.model.InputFormat())
	if err != nil {
		return l.fail(stepConvert, err, frame)
	}
	frame = converted

	l.current = stepDetect
	lms, err := l.model.Detect(ctx, frame)
	if errors.Is(err, landmarks.ErrNoFace) {
		l.stats.noFace.Add(1)
		return outcome{step: stepDetect, err: err}
	}
	if err != nil {
		return l.fail(stepDetect, err, frame)
	}

	l.current = stepValidate
	cloud := types.ToPointCloud(lms, frame.Width, frame.Height)
	if err := l.calc.Validate(cloud); err != nil {
		return l.fail(stepValidate, err, frame)
	}

	l.current = stepCompute
	metrics := l.calc.Compute(cloud)

	l.current = stepMarshal
	payload, err := json.Marshal(metrics)
	if err != nil {
		return l.fail(stepMarshal, err, frame)
	}

	l.current = stepSend
	if !l.cfg.Sender.Send(string(payload)) {
		return l.fail(stepSend, errSendFailed, frame)
	}
	l.stats.sent.Add(1)
	l.stats.lastSentAt.Store(time.Now().UnixNano())
	return outcome{step: stepDone}
}

func (l *Loop) fail(s step, err error, frame types.Frame) outcome {
	l.stats.failed(s)
	l.throttles[s].Do(func() {
		slog.Warn("pipeline: iteration skipped",
			"loop", l.cfg.Name,
			"step", s.String(),
			"error", err,
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	})
	return outcome{step: s, err: err}
}
