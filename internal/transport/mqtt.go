package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Arfidz12/PCV/internal/config"
)

// ErrNotConnected is returned by sinks without a live connection
var ErrNotConnected = errors.New("transport: not connected")

// MQTTSink publishes each message as raw bytes to one topic
type MQTTSink struct {
	cfg      config.MQTTConfig
	clientID string
	timeout  time.Duration

	client    mqtt.Client
	connected atomic.Bool
}

// NewMQTTSink creates an unconnected sink; call Connect before Send
func NewMQTTSink(cfg config.MQTTConfig, clientID string) *MQTTSink {
	return &MQTTSink{
		cfg:      cfg,
		clientID: clientID,
		timeout:  100 * time.Millisecond,
	}
}

// Connect establishes connection to the MQTT broker
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.connected.Store(true)
		slog.Info("transport: mqtt connection established",
			"broker", s.cfg.Broker,
			"client_id", s.clientID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.connected.Store(false)
		slog.Warn("transport: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", s.cfg.Broker,
			"action", "messages use udp fallback until reconnected")
	}

	s.client = mqtt.NewClient(opts)

	slog.Info("transport: connecting to mqtt broker", "broker", s.cfg.Broker)

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	s.connected.Store(true)
	return nil
}

// Send publishes payload, waiting at most one publish timeout
func (s *MQTTSink) Send(payload []byte) error {
	if s.client == nil || !s.connected.Load() {
		return ErrNotConnected
	}

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Name identifies the sink in stats and logs
func (s *MQTTSink) Name() string { return "mqtt" }

// Close disconnects from the broker
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250) // 250ms grace period
		slog.Info("transport: mqtt disconnected")
	}
	s.connected.Store(false)
	return nil
}
