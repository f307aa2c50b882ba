package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Arfidz12/PCV/internal/types"
)

// MockSource generates synthetic frames, for running the service without a camera
type MockSource struct {
	settings Settings
	source   string
	interval time.Duration

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	closed bool
}

// NewMockSource creates a mock source; FPS 0 produces frames as fast as Read is called
func NewMockSource(settings Settings, source string) *MockSource {
	var interval time.Duration
	if settings.FPS > 0 {
		interval = time.Second / time.Duration(settings.FPS)
	}
	if settings.Format == "" {
		settings.Format = types.FormatBGR24
	}

	slog.Info("capture: mock source opened",
		"width", settings.Width,
		"height", settings.Height,
		"fps", settings.FPS,
		"source", source,
	)

	return &MockSource{
		settings: settings,
		source:   source,
		interval: interval,
	}
}

// Read returns the next synthetic frame, paced to the configured fps
func (m *MockSource) Read() (types.Frame, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.Frame{}, ErrClosed
	}
	wait := time.Duration(0)
	if m.interval > 0 && !m.last.IsZero() {
		wait = m.interval - time.Since(m.last)
	}
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()

	// mid-grey so colour conversion has something to do
	data := make([]byte, m.settings.Width*m.settings.Height*3)
	for i := range data {
		data[i] = 0x80
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.settings.Width,
		Height:    m.settings.Height,
		Format:    m.settings.Format,
		Data:      data,
		Source:    m.source,
		TraceID:   uuid.New().String(),
	}, nil
}

// Name identifies the source in logs
func (m *MockSource) Name() string {
	return fmt.Sprintf("mock:%s", m.source)
}

// Close stops the source. Safe to call twice.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	slog.Info("capture: mock source closed", "frames_emitted", m.seq)
	return nil
}
