package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Arfidz12/PCV/internal/capture"
	"github.com/Arfidz12/PCV/internal/facemetrics"
	"github.com/Arfidz12/PCV/internal/landmarks"
	"github.com/Arfidz12/PCV/internal/regions"
	"github.com/Arfidz12/PCV/internal/shutdown"
	"github.com/Arfidz12/PCV/internal/transport"
	"github.com/Arfidz12/PCV/internal/types"
)

// releases records the order collaborators are closed in
type releases struct {
	mu    sync.Mutex
	order []string
}

func (r *releases) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *releases) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeSource struct {
	failFirst int32
	reads     atomic.Int32
	closes    atomic.Int32
	rel       *releases
}

func (s *fakeSource) Read() (types.Frame, error) {
	n := s.reads.Add(1)
	if n <= s.failFirst {
		return types.Frame{}, capture.ErrFrameRead
	}
	return types.Frame{
		Seq:       uint64(n),
		Timestamp: time.Now(),
		Width:     4,
		Height:    2,
		Format:    types.FormatBGR24,
		Data:      make([]byte, 4*2*3),
		Source:    "fake",
	}, nil
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	if s.rel != nil {
		s.rel.add("source")
	}
	return nil
}

type fakeModel struct {
	face    []types.Landmark
	err     error
	formats chan types.PixelFormat
	closes  atomic.Int32
	rel     *releases
}

func (m *fakeModel) Detect(ctx context.Context, frame types.Frame) ([]types.Landmark, error) {
	select {
	case m.formats <- frame.Format:
	default:
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.face, nil
}

func (m *fakeModel) Topology() regions.Topology {
	return regions.Topology{
		regions.LeftEye:   {{0, 1}},
		regions.RightEye:  {{2, 3}},
		regions.LeftBrow:  {{4, 4}},
		regions.RightBrow: {{5, 5}},
		regions.Lips:      {{6, 7}},
		regions.Nose:      {{8, 8}},
	}
}

func (m *fakeModel) InputFormat() types.PixelFormat { return types.FormatRGB24 }
func (m *fakeModel) Name() string                   { return "fake-model" }

func (m *fakeModel) Close() error {
	m.closes.Add(1)
	if m.rel != nil {
		m.rel.add("model")
	}
	return nil
}

// face is a plausible 9-point face in normalized coordinates
func face() []types.Landmark {
	return []types.Landmark{
		// eyes
		{X: 0.30, Y: 0.40}, {X: 0.40, Y: 0.42},
		{X: 0.60, Y: 0.40}, {X: 0.70, Y: 0.42},
		// brows
		{X: 0.35, Y: 0.30},
		{X: 0.65, Y: 0.30},
		// lips, nose
		{X: 0.50, Y: 0.70}, {X: 0.50, Y: 0.75},
		{X: 0.50, Y: 0.55},
	}
}

type fakeSender struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closes   atomic.Int32
	rel      *releases
}

func (s *fakeSender) Send(payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeSender) Close() error {
	s.closes.Add(1)
	if s.rel != nil {
		s.rel.add("transport")
	}
	return nil
}

func newLoop(t *testing.T, src capture.Source, model landmarks.Detector, sender Sender, flag shutdown.Flag) *Loop {
	t.Helper()
	return newPacedLoop(t, src, model, sender, flag, time.Millisecond)
}

func newPacedLoop(t *testing.T, src capture.Source, model landmarks.Detector, sender Sender, flag shutdown.Flag, interval time.Duration) *Loop {
	t.Helper()
	l, err := New(Config{
		Name:           "test",
		OpenSource:     func(context.Context) (capture.Source, error) { return src, nil },
		OpenModel:      func(context.Context) (landmarks.Detector, error) { return model, nil },
		Sender:         sender,
		OwnsSender:     true,
		Calibration:    facemetrics.DefaultCalibration(),
		Shutdown:       flag,
		SendInterval:   interval,
		ReadRetryDelay: interval,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitReport(t *testing.T, done <-chan Report) Report {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not close within 2s")
		return Report{}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	open := func(context.Context) (capture.Source, error) { return nil, nil }
	model := func(context.Context) (landmarks.Detector, error) { return nil, nil }

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no source", Config{OpenModel: model, Sender: &fakeSender{}, Shutdown: shutdown.New()}},
		{"no model", Config{OpenSource: open, Sender: &fakeSender{}, Shutdown: shutdown.New()}},
		{"no sender", Config{OpenSource: open, OpenModel: model, Shutdown: shutdown.New()}},
		{"no flag", Config{OpenSource: open, OpenModel: model, Sender: &fakeSender{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestLoop_ShutdownReleasesEverythingOnce(t *testing.T) {
	rel := &releases{}
	src := &fakeSource{rel: rel}
	model := &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1), rel: rel}
	sender := &fakeSender{rel: rel}
	flag := shutdown.New()

	l := newLoop(t, src, model, sender, flag)
	done := l.Start(context.Background())

	waitFor(t, "first send", func() bool { return sender.count() > 0 })
	if got := l.State(); got != StateRunning {
		t.Errorf("State() = %v, want running", got)
	}

	flag.Request("test")
	r := waitReport(t, done)

	if r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
	if r.Err != nil {
		t.Errorf("Report.Err = %v, want nil", r.Err)
	}
	if got := l.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	if src.closes.Load() != 1 || model.closes.Load() != 1 || sender.closes.Load() != 1 {
		t.Errorf("closes = source %d, model %d, transport %d, want 1 each",
			src.closes.Load(), model.closes.Load(), sender.closes.Load())
	}
	if got := strings.Join(rel.get(), ","); got != "source,model,transport" {
		t.Errorf("release order = %s, want source,model,transport", got)
	}
	if r.Stats.Sent == 0 {
		t.Error("Stats.Sent = 0, want > 0")
	}
	if len(r.Degraded) != 0 {
		t.Errorf("Degraded = %v, want none", r.Degraded)
	}
}

func TestLoop_ClosesWithinPacingBound(t *testing.T) {
	const interval = 20 * time.Millisecond

	src := &fakeSource{}
	model := &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}
	sender := &fakeSender{}
	flag := shutdown.New()

	l := newPacedLoop(t, src, model, sender, flag, interval)
	done := l.Start(context.Background())
	waitFor(t, "first send", func() bool { return sender.count() > 0 })

	requested := time.Now()
	flag.Request("test")
	r := waitReport(t, done)
	elapsed := time.Since(requested)

	if bound := 5 * interval; elapsed > bound {
		t.Errorf("closed %v after the flag was raised, want within %v", elapsed, bound)
	}
	if r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
	if src.closes.Load() != 1 || model.closes.Load() != 1 {
		t.Errorf("closes = source %d, model %d, want 1 each", src.closes.Load(), model.closes.Load())
	}
}

// panicModel panics on its first `panics` calls to Detect, then behaves like fakeModel
type panicModel struct {
	fakeModel
	panics int32
	calls  atomic.Int32
}

func (m *panicModel) Detect(ctx context.Context, frame types.Frame) ([]types.Landmark, error) {
	if m.calls.Add(1) <= m.panics {
		panic("garbled frame")
	}
	return m.fakeModel.Detect(ctx, frame)
}

func TestLoop_DetectPanicSkipsIteration(t *testing.T) {
	src := &fakeSource{}
	model := &panicModel{fakeModel: fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}, panics: 3}
	sender := &fakeSender{}
	flag := shutdown.New()

	l := newLoop(t, src, model, sender, flag)
	done := l.Start(context.Background())

	waitFor(t, "send after panics", func() bool { return sender.count() > 0 })
	if got := l.State(); got != StateRunning {
		t.Errorf("State() = %v, want running", got)
	}
	flag.Request("test")
	r := waitReport(t, done)

	if r.Err != nil {
		t.Errorf("Report.Err = %v, want nil", r.Err)
	}
	if r.Stats.DetectFailures != 3 {
		t.Errorf("DetectFailures = %d, want 3", r.Stats.DetectFailures)
	}
	if src.closes.Load() != 1 || model.closes.Load() != 1 {
		t.Errorf("closes = source %d, model %d, want 1 each", src.closes.Load(), model.closes.Load())
	}
}

type panicSender struct{ fakeSender }

func (s *panicSender) Send(string) bool { panic("sink exploded") }

func TestLoop_SendPanicCounted(t *testing.T) {
	sender := &panicSender{}
	flag := shutdown.New()
	l := newLoop(t, &fakeSource{}, &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}, sender, flag)
	done := l.Start(context.Background())

	waitFor(t, "send failure", func() bool { return l.Stats().SendFailures > 1 })
	flag.Request("test")
	r := waitReport(t, done)

	if r.State != StateClosed || r.Err != nil {
		t.Errorf("Report = %v/%v, want closed without error", r.State, r.Err)
	}
	if sender.closes.Load() != 1 {
		t.Errorf("transport closes = %d, want 1", sender.closes.Load())
	}
}

// panicCloseSource panics when released
type panicCloseSource struct{ fakeSource }

func (s *panicCloseSource) Close() error {
	s.closes.Add(1)
	panic("close failed")
}

func TestLoop_ReleasePanicStillReleasesTheRest(t *testing.T) {
	src := &panicCloseSource{}
	model := &fakeModel{face: face()}
	sender := &fakeSender{}
	flag := shutdown.New()
	flag.Request("early")

	r := newLoop(t, src, model, sender, flag).Run(context.Background())

	if r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
	if src.closes.Load() != 1 || model.closes.Load() != 1 || sender.closes.Load() != 1 {
		t.Errorf("closes = source %d, model %d, transport %d, want 1 each",
			src.closes.Load(), model.closes.Load(), sender.closes.Load())
	}
}

func TestLoop_OpenerPanicReportsAndReleases(t *testing.T) {
	src := &fakeSource{}
	l, err := New(Config{
		OpenSource: func(context.Context) (capture.Source, error) { return src, nil },
		OpenModel:  func(context.Context) (landmarks.Detector, error) { panic("model load crashed") },
		Sender:     &fakeSender{},
		Shutdown:   shutdown.New(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := l.Run(context.Background())
	if r.Err == nil || !strings.Contains(r.Err.Error(), "model load crashed") {
		t.Errorf("Report.Err = %v, want the recovered panic", r.Err)
	}
	if r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
	if src.closes.Load() != 1 {
		t.Errorf("source closes = %d, want 1", src.closes.Load())
	}
}

func TestStats_LastSentAtOmittedUntilFirstSend(t *testing.T) {
	var c counters

	b, err := json.Marshal(c.snapshot())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "last_sent_at") {
		t.Errorf("stats before any send = %s, want no last_sent_at", b)
	}

	c.lastSentAt.Store(time.Now().UnixNano())
	b, err = json.Marshal(c.snapshot())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(b), "last_sent_at") {
		t.Errorf("stats after a send = %s, want last_sent_at", b)
	}
}

func TestLoop_ConvertsToModelFormat(t *testing.T) {
	src := &fakeSource{}
	model := &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}
	flag := shutdown.New()

	l := newLoop(t, src, model, &fakeSender{}, flag)
	done := l.Start(context.Background())

	select {
	case f := <-model.formats:
		if f != types.FormatRGB24 {
			t.Errorf("model received %s, want RGB24", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("model never called")
	}
	flag.Request("test")
	waitReport(t, done)
}

func TestLoop_ReadFailuresDoNotStopLoop(t *testing.T) {
	src := &fakeSource{failFirst: 3}
	model := &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}
	sender := &fakeSender{}
	flag := shutdown.New()

	l := newLoop(t, src, model, sender, flag)
	done := l.Start(context.Background())

	waitFor(t, "send after read failures", func() bool { return sender.count() > 0 })
	if got := l.State(); got != StateRunning {
		t.Errorf("State() = %v, want running", got)
	}
	flag.Request("test")
	r := waitReport(t, done)

	if r.Stats.ReadFailures != 3 {
		t.Errorf("ReadFailures = %d, want 3", r.Stats.ReadFailures)
	}
	if r.Err != nil {
		t.Errorf("Report.Err = %v, want nil", r.Err)
	}
}

func TestLoop_SkipsIterations(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
		check func(Stats) bool
	}{
		{
			name:  "no face",
			model: &fakeModel{err: landmarks.ErrNoFace},
			check: func(s Stats) bool { return s.NoFace > 0 },
		},
		{
			name:  "detect error",
			model: &fakeModel{err: errors.New("inference failed")},
			check: func(s Stats) bool { return s.DetectFailures > 0 },
		},
		{
			name:  "malformed cloud",
			model: &fakeModel{face: face()[:5]},
			check: func(s Stats) bool { return s.InvalidClouds > 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.model.formats = make(chan types.PixelFormat, 1)
			sender := &fakeSender{}
			flag := shutdown.New()

			l := newLoop(t, &fakeSource{}, tt.model, sender, flag)
			done := l.Start(context.Background())

			waitFor(t, tt.name, func() bool { return tt.check(l.Stats()) })
			flag.Request("test")
			r := waitReport(t, done)

			if sender.count() != 0 {
				t.Errorf("sent %d messages, want 0", sender.count())
			}
			if r.Stats.Sent != 0 {
				t.Errorf("Stats.Sent = %d, want 0", r.Stats.Sent)
			}
		})
	}
}

func TestLoop_SendFailureCounted(t *testing.T) {
	sender := &fakeSender{fail: true}
	flag := shutdown.New()
	l := newLoop(t, &fakeSource{}, &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}, sender, flag)
	done := l.Start(context.Background())

	waitFor(t, "send failure", func() bool { return l.Stats().SendFailures > 0 })
	flag.Request("test")
	if r := waitReport(t, done); r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
}

func TestLoop_SourceOpenFailure(t *testing.T) {
	var modelOpened atomic.Bool
	sender := &fakeSender{}
	l, err := New(Config{
		OpenSource: func(context.Context) (capture.Source, error) { return nil, errors.New("no camera") },
		OpenModel: func(context.Context) (landmarks.Detector, error) {
			modelOpened.Store(true)
			return &fakeModel{}, nil
		},
		Sender:     sender,
		OwnsSender: true,
		Shutdown:   shutdown.New(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := l.Run(context.Background())
	if !errors.Is(r.Err, ErrSourceOpen) {
		t.Errorf("Report.Err = %v, want ErrSourceOpen", r.Err)
	}
	if r.State != StateClosed {
		t.Errorf("Report.State = %v, want closed", r.State)
	}
	if modelOpened.Load() {
		t.Error("model opened after source failure")
	}
	if sender.closes.Load() != 1 {
		t.Errorf("transport closes = %d, want 1", sender.closes.Load())
	}
}

func TestLoop_ModelOpenFailureReleasesSource(t *testing.T) {
	src := &fakeSource{}
	l, err := New(Config{
		OpenSource: func(context.Context) (capture.Source, error) { return src, nil },
		OpenModel:  func(context.Context) (landmarks.Detector, error) { return nil, errors.New("no model") },
		Sender:     &fakeSender{},
		Shutdown:   shutdown.New(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := l.Run(context.Background())
	if !errors.Is(r.Err, ErrModelOpen) {
		t.Errorf("Report.Err = %v, want ErrModelOpen", r.Err)
	}
	if src.closes.Load() != 1 {
		t.Errorf("source closes = %d, want 1", src.closes.Load())
	}
	if src.reads.Load() != 0 {
		t.Errorf("source reads = %d, want 0", src.reads.Load())
	}
}

func TestLoop_FlagRaisedBeforeRun(t *testing.T) {
	src := &fakeSource{}
	model := &fakeModel{face: face()}
	flag := shutdown.New()
	flag.Request("early")

	l := newLoop(t, src, model, &fakeSender{}, flag)
	r := l.Run(context.Background())

	if r.Stats.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", r.Stats.Iterations)
	}
	if src.closes.Load() != 1 || model.closes.Load() != 1 {
		t.Errorf("closes = source %d, model %d, want 1 each", src.closes.Load(), model.closes.Load())
	}
}

func TestLoop_RunsOnce(t *testing.T) {
	flag := shutdown.New()
	flag.Request("early")
	l := newLoop(t, &fakeSource{}, &fakeModel{face: face()}, &fakeSender{}, flag)

	l.Run(context.Background())
	if r := l.Run(context.Background()); r.Err == nil {
		t.Error("second Run() error = nil, want error")
	}
}

func TestLoop_DegradedTopology(t *testing.T) {
	flag := shutdown.New()
	flag.Request("early")
	l, err := New(Config{
		OpenSource: func(context.Context) (capture.Source, error) { return &fakeSource{}, nil },
		OpenModel: func(context.Context) (landmarks.Detector, error) {
			return &nilTopologyModel{}, nil
		},
		Sender:   &fakeSender{},
		Shutdown: flag,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := l.Run(context.Background())
	if len(r.Degraded) != len(regions.Required) {
		t.Errorf("Degraded = %v, want all %d regions", r.Degraded, len(regions.Required))
	}
}

type nilTopologyModel struct{ fakeModel }

func (m *nilTopologyModel) Topology() regions.Topology { return nil }

func TestLoop_DeliversMetricsOverUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	udp, err := transport.NewUDPSink("127.0.0.1", port)
	if err != nil {
		t.Fatalf("NewUDPSink() error = %v", err)
	}
	tr := transport.New(nil, udp)

	flag := shutdown.New()
	l := newLoop(t, &fakeSource{}, &fakeModel{face: face(), formats: make(chan types.PixelFormat, 1)}, tr, flag)
	done := l.Start(context.Background())

	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	flag.Request("test")
	waitReport(t, done)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		t.Fatalf("payload is not JSON: %v (%q)", err, buf[:n])
	}
	for _, key := range []string{"mouth", "left_eye", "right_eye", "brow", "head"} {
		if _, ok := msg[key]; !ok {
			t.Errorf("payload missing %q: %s", key, buf[:n])
		}
	}

	if err := udp.Send([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("UDP sink Send() after drain error = %v, want net.ErrClosed", err)
	}
}
