// Package transport delivers encoded metric messages to the consumer.
//
// A Transport is built once with an optional preferred Sink and a mandatory UDP
// fallback. Each message goes to the preferred sink; when that fails the same bytes go
// out as a single datagram through the fallback, for that message only. Send never
// returns an error and never panics: delivery is best-effort and failures are counted.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Arfidz12/PCV/internal/logging"
)

// DefaultMaxDatagramSize keeps a message inside one Ethernet frame
const DefaultMaxDatagramSize = 1400

// ErrPayloadTooLarge is counted when a message exceeds the datagram limit
var ErrPayloadTooLarge = errors.New("transport: payload exceeds max datagram size")

// Sink is one delivery mechanism
type Sink interface {
	// Send delivers one complete message; it must not block beyond a single send
	Send(payload []byte) error
	Name() string
	Close() error
}

// Transport routes messages to the preferred sink with UDP fallback
type Transport struct {
	preferred Sink
	fallback  *UDPSink
	maxSize   int

	preferredSent   atomic.Uint64
	preferredFailed atomic.Uint64
	fallbackSent    atomic.Uint64
	fallbackFailed  atomic.Uint64
	rejected        atomic.Uint64

	closed atomic.Bool

	errLog *logging.Throttle
}

// Option configures a Transport
type Option func(*Transport)

// WithMaxDatagramSize overrides DefaultMaxDatagramSize
func WithMaxDatagramSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxSize = n
		}
	}
}

// New creates a transport. preferred may be nil, in which case every message goes
// straight to the fallback.
func New(preferred Sink, fallback *UDPSink, opts ...Option) *Transport {
	t := &Transport{
		preferred: preferred,
		fallback:  fallback,
		maxSize:   DefaultMaxDatagramSize,
		errLog:    logging.NewThrottle(5 * time.Second),
	}
	for _, opt := range opts {
		opt(t)
	}

	preferredName := "none"
	if preferred != nil {
		preferredName = preferred.Name()
	}
	slog.Info("transport: ready",
		"preferred", preferredName,
		"fallback", fallback.Addr(),
		"max_datagram_size", t.maxSize,
	)
	return t
}

// Send delivers one message and reports whether any sink accepted it
func (t *Transport) Send(payload string) bool {
	if len(payload) > t.maxSize {
		t.rejected.Add(1)
		t.errLog.Do(func() {
			slog.Warn("transport: message dropped",
				"error", ErrPayloadTooLarge,
				"size", len(payload),
				"max", t.maxSize,
			)
		})
		return false
	}

	b := []byte(payload)

	if t.preferred != nil {
		err := deliver(t.preferred, b)
		if err == nil {
			t.preferredSent.Add(1)
			return true
		}
		t.preferredFailed.Add(1)
		t.errLog.Do(func() {
			slog.Warn("transport: preferred sink failed, using udp fallback",
				"sink", t.preferred.Name(),
				"error", err,
			)
		})
	}

	if err := deliver(t.fallback, b); err != nil {
		t.fallbackFailed.Add(1)
		t.errLog.Do(func() {
			slog.Warn("transport: udp send failed",
				"addr", t.fallback.Addr(),
				"error", err,
			)
		})
		return false
	}
	t.fallbackSent.Add(1)
	return true
}

// deliver sends through s; a panicking sink counts as a failed send
func deliver(s Sink, b []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport: %s sink panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(b)
}

// Close releases the preferred sink and the fallback socket. Safe to call twice.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if t.preferred != nil {
		if err := t.preferred.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.fallback.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns delivery counters
func (t *Transport) Stats() Stats {
	s := Stats{
		Fallback: SinkStats{
			Name:   t.fallback.Name(),
			Sent:   t.fallbackSent.Load(),
			Failed: t.fallbackFailed.Load(),
		},
		Rejected: t.rejected.Load(),
	}
	if t.preferred != nil {
		s.Preferred = &SinkStats{
			Name:   t.preferred.Name(),
			Sent:   t.preferredSent.Load(),
			Failed: t.preferredFailed.Load(),
		}
	}
	return s
}

// Stats contains transport statistics
type Stats struct {
	Preferred *SinkStats `json:"preferred,omitempty"`
	Fallback  SinkStats  `json:"fallback"`
	Rejected  uint64     `json:"rejected"`
}

// SinkStats counts messages per sink
type SinkStats struct {
	Name   string `json:"name"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}
