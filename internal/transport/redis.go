package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Arfidz12/PCV/internal/config"
)

// RedisSink appends each message to a Redis stream with one field per metric
type RedisSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisSink creates the client; call Connect to verify the server is reachable
func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: 100 * time.Millisecond,
	}
}

// Connect pings the server
func (s *RedisSink) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("transport: redis connected", "stream", s.stream)
	return nil
}

// Send XADDs the flattened message fields
func (s *RedisSink) Send(payload []byte) error {
	fields, err := Flatten(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: fields,
	}).Err()
}

// Name identifies the sink in stats and logs
func (s *RedisSink) Name() string { return "redis" }

// Close releases the client pool
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Flatten turns a JSON object into dotted field/value pairs in key order, e.g.
// {"mouth":{"open":0.5}} -> ["mouth.open", "0.5"]. Numbers keep their JSON text.
func Flatten(payload []byte) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("redis payload is not a JSON object: %w", err)
	}

	var out []string
	if err := flattenInto(&out, "", obj); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out *[]string, prefix string, obj map[string]json.RawMessage) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		raw := obj[k]

		var nested map[string]json.RawMessage
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &nested); err != nil {
				return err
			}
			if err := flattenInto(out, name, nested); err != nil {
				return err
			}
			continue
		}

		var str string
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &str); err != nil {
				return err
			}
		} else {
			str = string(raw)
		}
		*out = append(*out, name, str)
	}
	return nil
}

// compile-time interface checks
var (
	_ Sink = (*UDPSink)(nil)
	_ Sink = (*MQTTSink)(nil)
	_ Sink = (*WebSocketSink)(nil)
	_ Sink = (*RedisSink)(nil)
)
