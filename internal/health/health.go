// Package health serves the liveness, readiness and shutdown endpoints of the daemon.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/Arfidz12/PCV/internal/pipeline"
	"github.com/Arfidz12/PCV/internal/transport"
)

// StaleAfter is how long a running loop may go without sending before it reports degraded
const StaleAfter = 5 * time.Second

// Loop is the view of the capture loop the server reads
type Loop interface {
	Name() string
	State() pipeline.State
	Stats() pipeline.Stats
}

// Delivery exposes transport counters
type Delivery interface {
	Stats() transport.Stats
}

// Requester raises the shutdown flag
type Requester interface {
	Request(reason string)
	Requested() bool
}

// Status is the readiness document
type Status struct {
	Status            string           `json:"status"` // "starting", "healthy", "degraded", "unhealthy"
	InstanceID        string           `json:"instance_id,omitempty"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	ShutdownRequested bool             `json:"shutdown_requested"`
	Loop              pipeline.Stats   `json:"loop"`
	Transport         *transport.Stats `json:"transport,omitempty"`
	Probes            map[string]any   `json:"probes,omitempty"`
}

// Option configures a Server
type Option func(*Server)

// WithTransport adds transport counters to readiness
func WithTransport(d Delivery) Option {
	return func(s *Server) { s.delivery = d }
}

// WithShutdown enables POST /shutdown
func WithShutdown(r Requester) Option {
	return func(s *Server) { s.requester = r }
}

// WithInstanceID labels the readiness document
func WithInstanceID(id string) Option {
	return func(s *Server) { s.instanceID = id }
}

// WithProbe adds a named value to readiness, evaluated per request
func WithProbe(name string, fn func() any) Option {
	return func(s *Server) { s.probes[name] = fn }
}

// Server is the HTTP health endpoint
type Server struct {
	addr       string
	loop       Loop
	delivery   Delivery
	requester  Requester
	instanceID string
	probes     map[string]func() any
	started    time.Time

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New returns a server for loop; call Start to listen on addr
func New(addr string, loop Loop, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		loop:    loop,
		probes:  make(map[string]func() any),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every endpoint registered
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.livenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.readinessHandler).Methods(http.MethodGet)
	if s.requester != nil {
		r.HandleFunc("/shutdown", s.shutdownHandler).Methods(http.MethodPost)
	}
	return r
}

// Check computes the current readiness
func (s *Server) Check() Status {
	stats := s.loop.Stats()
	st := Status{
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Loop:          stats,
	}
	if s.requester != nil {
		st.ShutdownRequested = s.requester.Requested()
	}
	if s.delivery != nil {
		ts := s.delivery.Stats()
		st.Transport = &ts
	}
	if len(s.probes) > 0 {
		st.Probes = make(map[string]any, len(s.probes))
		for name, fn := range s.probes {
			st.Probes[name] = fn()
		}
	}

	switch stats.State {
	case pipeline.StateIdle, pipeline.StateOpening:
		st.Status = "starting"
	case pipeline.StateRunning:
		st.Status = "healthy"
		if stats.LastSentAt == nil || time.Since(*stats.LastSentAt) > StaleAfter {
			st.Status = "degraded"
		}
	default:
		st.Status = "unhealthy"
	}
	return st
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	st := s.Check()

	code := http.StatusOK
	if st.Status == "starting" || st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("health: shutdown requested over http", "remote", r.RemoteAddr)
	s.requester.Request("http")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "shutting_down"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: failed to write response", "error", err)
	}
}

// Start binds addr and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("health server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("health: server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/shutdown"},
	)

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
