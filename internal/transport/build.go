package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Arfidz12/PCV/internal/config"
)

// connector is implemented by sinks that need a connection before the first Send
type connector interface {
	Connect(ctx context.Context) error
}

// FromConfig builds the UDP fallback and the configured preferred sink. The choice is
// made once here: when the preferred sink cannot connect it is dropped and the
// transport runs on the fallback alone.
func FromConfig(ctx context.Context, cfg config.TransportConfig, clientID string) (*Transport, error) {
	fallback, err := NewUDPSink(cfg.UDP.Host, cfg.UDP.Port)
	if err != nil {
		return nil, err
	}

	var preferred Sink
	switch cfg.Preferred {
	case "", "none":
	case "mqtt":
		preferred = NewMQTTSink(cfg.MQTT, clientID)
	case "websocket":
		preferred = NewWebSocketSink(cfg.WebSocket)
	case "redis":
		preferred = NewRedisSink(cfg.Redis)
	default:
		fallback.Close()
		return nil, fmt.Errorf("unknown preferred sink %q", cfg.Preferred)
	}

	if c, ok := preferred.(connector); ok {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			slog.Warn("transport: preferred sink unavailable, using udp only",
				"sink", preferred.Name(),
				"error", err,
			)
			preferred.Close()
			preferred = nil
		}
	}

	return New(preferred, fallback, WithMaxDatagramSize(cfg.MaxDatagramSize)), nil
}
