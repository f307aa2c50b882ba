package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// UDPSink writes each message as one datagram to a fixed address
type UDPSink struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewUDPSink opens a datagram socket aimed at host:port
func NewUDPSink(host string, port int) (*UDPSink, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket to %s: %w", addr, err)
	}
	return &UDPSink{addr: addr, conn: conn}, nil
}

// Send writes payload as a single datagram
func (s *UDPSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}
	n, err := s.conn.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("short udp write: %d of %d bytes", n, len(payload))
	}
	return nil
}

// Name identifies the sink in stats and logs
func (s *UDPSink) Name() string { return "udp" }

// Addr returns host:port
func (s *UDPSink) Addr() string { return s.addr }

// Close releases the socket. Safe to call twice.
func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
