// Package worker runs the face landmark model in a subprocess.
//
// Go writes frames to the process stdin and reads results from its stdout, both as
// 4-byte big-endian length-prefixed msgpack messages. The process announces itself
// with a hello message carrying the model's region topology before the first frame.
// Its stderr is forwarded to slog with the Python log level mapped to a slog level.
//
// Detect is synchronous: one request, one result, matched by sequence number. Results
// for requests that already timed out are discarded.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Arfidz12/PCV/internal/landmarks"
	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/types"
)

var (
	// ErrNotRunning is returned by Detect before Start or after Close
	ErrNotRunning = errors.New("worker: not running")
	// ErrExited is returned when the process dies while a request is pending
	ErrExited = errors.New("worker: process exited")
)

// Config contains configuration for the worker process
type Config struct {
	ID string
	// Command is the executable, e.g. python3
	Command string
	// Args precede the model option flags, e.g. the script path
	Args []string
	// Env replaces the process environment when non-nil
	Env     []string
	Options landmarks.Options

	StartupTimeout time.Duration // model load, default 30s
	RequestTimeout time.Duration // one frame, default 2s
}

// Worker wraps a landmark model process
type Worker struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pipes    sync.WaitGroup
	isActive atomic.Bool

	helloCh  chan Hello
	results  chan Result
	exited   chan struct{}
	exitErr  error
	hello    Hello
	topology regions.Topology

	seq uint64

	// Stats
	requests       uint64
	facesFound     uint64
	noFace         uint64
	failures       uint64
	staleResults   uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// Metrics are the worker health counters
type Metrics struct {
	Requests     uint64    `json:"requests"`
	FacesFound   uint64    `json:"faces_found"`
	NoFace       uint64    `json:"no_face"`
	Failures     uint64    `json:"failures"`
	StaleResults uint64    `json:"stale_results"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Opener returns a landmarks.Opener that starts a worker per call
func Opener(cfg Config) landmarks.Opener {
	return func(ctx context.Context) (landmarks.Detector, error) {
		return Start(ctx, cfg)
	}
}

// Start spawns the process and waits for its hello message
func Start(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.ID == "" {
		cfg.ID = "face-mesh"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.Options.MaxFaces <= 0 {
		cfg.Options.MaxFaces = 1
	}

	w := &Worker{
		cfg:     cfg,
		helloCh: make(chan Hello, 1),
		results: make(chan Result, 4),
		exited:  make(chan struct{}),
	}
	// The process outlives ctx, which only bounds startup; Close ends it.
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if err := w.spawn(); err != nil {
		w.cancel()
		return nil, fmt.Errorf("failed to spawn worker process: %w", err)
	}
	w.isActive.Store(true)
	w.lastSeenAt.Store(time.Now())

	timer := time.NewTimer(cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case h := <-w.helloCh:
		w.hello = h
		w.topology = topologyFromHello(h)
	case <-w.exited:
		w.Close()
		return nil, fmt.Errorf("worker exited before hello: %w", w.exitErr)
	case <-timer.C:
		w.Close()
		return nil, fmt.Errorf("worker startup timeout after %v", cfg.StartupTimeout)
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}

	slog.Info("worker: landmark model ready",
		"worker_id", cfg.ID,
		"pid", w.cmd.Process.Pid,
		"model", w.hello.Model,
		"num_landmarks", w.hello.NumLandmarks,
		"regions", len(w.topology),
	)
	return w, nil
}

func (w *Worker) spawn() error {
	args := append([]string(nil), w.cfg.Args...)
	args = append(args, optionArgs(w.cfg.Options)...)

	w.cmd = exec.CommandContext(w.ctx, w.cfg.Command, args...)
	if w.cfg.Env != nil {
		w.cmd.Env = w.cfg.Env
	}

	var err error
	if w.stdin, err = w.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if w.stdout, err = w.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if w.stderr, err = w.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	slog.Info("worker: process spawned",
		"worker_id", w.cfg.ID,
		"pid", w.cmd.Process.Pid,
		"command", w.cfg.Command,
	)

	w.pipes.Add(2)
	go w.readMessages()
	go w.logStderr()

	w.wg.Add(1)
	go w.waitProcess()

	return nil
}

// optionArgs renders the model options as command line flags
func optionArgs(o landmarks.Options) []string {
	args := []string{
		"--max-faces", strconv.Itoa(o.MaxFaces),
		"--min-detection-confidence", strconv.FormatFloat(o.MinDetectionConfidence, 'f', 2, 64),
		"--min-tracking-confidence", strconv.FormatFloat(o.MinTrackingConfidence, 'f', 2, 64),
	}
	if o.RefineLandmarks {
		args = append(args, "--refine-landmarks")
	}
	return args
}

func topologyFromHello(h Hello) regions.Topology {
	topo := make(regions.Topology, len(h.Topology))
	for name, edges := range h.Topology {
		conns := make([]regions.Connection, len(edges))
		for i, e := range edges {
			conns[i] = regions.Connection(e)
		}
		topo[regions.Region(name)] = conns
	}
	return topo
}

// readMessages reads hello and result messages from stdout
func (w *Worker) readMessages() {
	defer w.pipes.Done()

	for {
		data, err := readFrame(w.stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("worker: stdout closed", "worker_id", w.cfg.ID)
			} else {
				slog.Error("worker: failed to read from stdout",
					"worker_id", w.cfg.ID,
					"error", err,
				)
			}
			return
		}

		var env envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			slog.Error("worker: failed to decode message",
				"worker_id", w.cfg.ID,
				"error", err,
				"data_length", len(data),
				"action", "check worker logs in stderr")
			continue
		}

		switch env.Type {
		case TypeHello:
			var h Hello
			if err := msgpack.Unmarshal(data, &h); err != nil {
				slog.Error("worker: malformed hello", "worker_id", w.cfg.ID, "error", err)
				continue
			}
			select {
			case w.helloCh <- h:
			default:
			}

		case TypeResult, TypeError:
			var r Result
			if err := msgpack.Unmarshal(data, &r); err != nil {
				slog.Error("worker: malformed result", "worker_id", w.cfg.ID, "error", err)
				continue
			}
			w.lastSeenAt.Store(time.Now())
			select {
			case w.results <- r:
			default:
				atomic.AddUint64(&w.staleResults, 1)
				slog.Warn("worker: result buffer full, dropping result",
					"worker_id", w.cfg.ID,
					"seq", r.Seq,
				)
			}

		default:
			slog.Debug("worker: ignoring message", "worker_id", w.cfg.ID, "type", env.Type)
		}
	}
}

// logStderr maps Python log levels to slog levels
func (w *Worker) logStderr() {
	defer w.pipes.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("worker: process error", "worker_id", w.cfg.ID, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("worker: process warning", "worker_id", w.cfg.ID, "log", line)
		default:
			slog.Debug("worker: process log", "worker_id", w.cfg.ID, "log", line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Debug("worker: error reading stderr", "worker_id", w.cfg.ID, "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// waitProcess reaps the process once both pipes are drained
func (w *Worker) waitProcess() {
	defer w.wg.Done()

	w.pipes.Wait()
	err := w.cmd.Wait()
	w.exitErr = err
	close(w.exited)

	switch {
	case err == nil:
		slog.Info("worker: process exited cleanly", "worker_id", w.cfg.ID, "pid", w.cmd.Process.Pid)
	case w.ctx.Err() != nil:
		slog.Debug("worker: process exited (shutdown)", "worker_id", w.cfg.ID, "pid", w.cmd.Process.Pid)
	default:
		slog.Error("worker: process exited unexpectedly",
			"worker_id", w.cfg.ID,
			"pid", w.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Detect sends one frame and waits for its result
func (w *Worker) Detect(ctx context.Context, frame types.Frame) ([]types.Landmark, error) {
	if !w.isActive.Load() {
		return nil, ErrNotRunning
	}
	select {
	case <-w.exited:
		return nil, fmt.Errorf("%w: %v", ErrExited, w.exitErr)
	default:
	}

	seq := atomic.AddUint64(&w.seq, 1)
	atomic.AddUint64(&w.requests, 1)
	start := time.Now()

	req := FrameRequest{
		Type:      TypeFrame,
		Seq:       seq,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    string(frame.Format),
		FrameData: frame.Data,
	}
	if err := w.send(req); err != nil {
		atomic.AddUint64(&w.failures, 1)
		return nil, err
	}

	timer := time.NewTimer(w.cfg.RequestTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-w.results:
			if r.Seq != seq {
				atomic.AddUint64(&w.staleResults, 1)
				continue
			}
			atomic.AddUint64(&w.totalLatencyMS, uint64(time.Since(start).Milliseconds()))
			return w.handleResult(r)

		case <-timer.C:
			atomic.AddUint64(&w.failures, 1)
			return nil, fmt.Errorf("worker: no result for frame %d within %v", seq, w.cfg.RequestTimeout)

		case <-w.exited:
			atomic.AddUint64(&w.failures, 1)
			return nil, fmt.Errorf("%w: %v", ErrExited, w.exitErr)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) handleResult(r Result) ([]types.Landmark, error) {
	if r.Type == TypeError || r.Error != "" {
		atomic.AddUint64(&w.failures, 1)
		return nil, fmt.Errorf("worker: model error: %s", r.Error)
	}
	if len(r.Faces) == 0 || len(r.Faces[0]) == 0 {
		atomic.AddUint64(&w.noFace, 1)
		return nil, landmarks.ErrNoFace
	}
	atomic.AddUint64(&w.facesFound, 1)
	return r.Faces[0], nil
}

// send writes one request with a timeout so a hung process cannot block the loop
func (w *Worker) send(v any) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteMessage(w.stdin, v)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to stdin: %w", err)
		}
		return nil
	case <-time.After(w.cfg.RequestTimeout):
		return fmt.Errorf("stdin write timeout (worker may be hung)")
	case <-w.exited:
		return fmt.Errorf("%w: %v", ErrExited, w.exitErr)
	}
}

// Topology returns the region connections from the hello message
func (w *Worker) Topology() regions.Topology {
	return w.topology
}

// InputFormat is RGB, what the face-mesh model expects
func (w *Worker) InputFormat() types.PixelFormat {
	return types.FormatRGB24
}

// Name identifies the worker in logs
func (w *Worker) Name() string {
	return "worker:" + w.cfg.ID
}

// Metrics returns current worker health metrics
func (w *Worker) Metrics() Metrics {
	found := atomic.LoadUint64(&w.facesFound)
	noFace := atomic.LoadUint64(&w.noFace)

	var avg float64
	if answered := found + noFace; answered > 0 {
		avg = float64(atomic.LoadUint64(&w.totalLatencyMS)) / float64(answered)
	}

	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return Metrics{
		Requests:     atomic.LoadUint64(&w.requests),
		FacesFound:   found,
		NoFace:       noFace,
		Failures:     atomic.LoadUint64(&w.failures),
		StaleResults: atomic.LoadUint64(&w.staleResults),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
	}
}

// Close stops the process: stdin is closed so it can exit on its own, and it is
// killed if it is still running after two seconds. Safe to call twice.
func (w *Worker) Close() error {
	if !w.isActive.CompareAndSwap(true, false) {
		return nil
	}

	slog.Info("worker: stopping", "worker_id", w.cfg.ID)

	if w.stdin != nil {
		w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker: stopped cleanly", "worker_id", w.cfg.ID)
	case <-time.After(2 * time.Second):
		slog.Warn("worker: stop timeout, force killing process", "worker_id", w.cfg.ID)
		w.cancel()
		<-done
	}
	w.cancel()

	slog.Info("worker: stopped",
		"worker_id", w.cfg.ID,
		"requests", atomic.LoadUint64(&w.requests),
		"faces", atomic.LoadUint64(&w.facesFound),
	)
	return nil
}
