package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arfidz12/PCV/internal/config"
)

// redialInterval bounds how often a dropped websocket is re-dialled from Send
const redialInterval = 2 * time.Second

// WebSocketSink writes each message as one text frame
type WebSocketSink struct {
	url          string
	writeTimeout time.Duration
	dialer       websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	lastDialAt time.Time
	closed     bool
}

// NewWebSocketSink creates an unconnected sink; call Connect before Send
func NewWebSocketSink(cfg config.WebSocketConfig) *WebSocketSink {
	return &WebSocketSink{
		url:          cfg.URL,
		writeTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		dialer: websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Connect dials the consumer endpoint
func (s *WebSocketSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialLocked(ctx)
}

func (s *WebSocketSink) dialLocked(ctx context.Context) error {
	s.lastDialAt = time.Now()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.writeTimeout))
		if err != nil {
			slog.Debug("transport: websocket pong failed", "error", err)
		}
		return nil
	})

	// Drain control frames so pings and close frames from the consumer are handled.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.conn = conn
	slog.Info("transport: websocket connected", "url", s.url)
	return nil
}

// Send writes payload as a text frame, re-dialling a dropped connection at most once
// per redialInterval
func (s *WebSocketSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotConnected
	}
	if s.conn == nil {
		if time.Since(s.lastDialAt) < redialInterval {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if err := s.dialLocked(ctx); err != nil {
			return err
		}
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.dropLocked()
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.dropLocked()
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

func (s *WebSocketSink) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Name identifies the sink in stats and logs
func (s *WebSocketSink) Name() string { return "websocket" }

// Close sends a close frame and releases the connection
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.writeTimeout))
	err := s.conn.Close()
	s.conn = nil
	return err
}
