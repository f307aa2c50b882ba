package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arfidz12/PCV/internal/config"
)

func TestFlatten(t *testing.T) {
	got, err := Flatten([]byte(`{"mouth":{"open":0.5},"head":{"yaw":-12.5,"pitch":3,"roll":0},"meta":{"eye_dist":61.2},"tag":"a"}`))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	want := []string{
		"head.pitch", "3",
		"head.roll", "0",
		"head.yaw", "-12.5",
		"meta.eye_dist", "61.2",
		"mouth.open", "0.5",
		"tag", "a",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}

func TestFlatten_RejectsNonObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"text"`, `not json`} {
		if _, err := Flatten([]byte(in)); err == nil {
			t.Errorf("Flatten(%s) succeeded, want error", in)
		}
	}
}

func TestMQTTSink_SendWithoutConnect(t *testing.T) {
	s := NewMQTTSink(config.MQTTConfig{Broker: "127.0.0.1:1", Topic: "face/metrics/test"}, "test")
	if err := s.Send([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestWebSocketSink_SendsTextFrames(t *testing.T) {
	received := make(chan string, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				received <- string(data)
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := NewWebSocketSink(config.WebSocketConfig{URL: url, WriteTimeoutMS: 1000})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sink.Close()

	if err := sink.Send([]byte(message)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got != message {
			t.Errorf("frame = %q, want %q", got, message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestWebSocketSink_SendAfterClose(t *testing.T) {
	sink := NewWebSocketSink(config.WebSocketConfig{URL: "ws://127.0.0.1:1/", WriteTimeoutMS: 10})
	sink.Close()
	if err := sink.Send([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestFromConfig_UnavailablePreferredFallsBackToUDP(t *testing.T) {
	_, udp := listenUDP(t)
	_, p, _ := net.SplitHostPort(udp.Addr())
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port: %v", err)
	}

	cfg := config.TransportConfig{
		Preferred:       "websocket",
		MaxDatagramSize: 1400,
		UDP:             config.UDPConfig{Host: "127.0.0.1", Port: port},
		WebSocket:       config.WebSocketConfig{URL: "ws://127.0.0.1:1/", WriteTimeoutMS: 10},
	}
	tr, err := FromConfig(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer tr.Close()

	if tr.Stats().Preferred != nil {
		t.Error("unreachable preferred sink should be dropped")
	}
}
