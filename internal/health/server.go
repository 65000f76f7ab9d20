// Package health serves the status endpoints of a running ExamCast node:
// liveness, session readiness, link list, Prometheus metrics and pprof.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider is implemented by the agent.
type StatsProvider interface {
	// IsRunning returns true while a session is live.
	IsRunning() bool

	// Stats returns node statistics.
	Stats() Stats

	// Peers returns the addresses of the current links.
	Peers() []string
}

// Stats is the session snapshot served on /healthz.
type Stats struct {
	SessionID      string `json:"session_id,omitempty"`
	Role           string `json:"role,omitempty"`
	State          string `json:"state"`
	PeerCount      int    `json:"peer_count"`
	SeenIDs        int    `json:"seen_ids"`
	RelayQueue     int    `json:"relay_queue"`
	MessageCount   int    `json:"message_count"`
	ViolationCount int    `json:"violation_count"`
	Listening      string `json:"listening,omitempty"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig listens on loopback only.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("health server already started")

const shutdownTimeout = 5 * time.Second

// Server exposes a StatsProvider over HTTP.
type Server struct {
	provider StatsProvider
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server for provider. A nil provider reports the node
// as not running.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{provider: provider}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go s.server.Serve(ln)
	return nil
}

// Stop shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) live() bool {
	return s.provider != nil && s.provider.IsRunning()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body + "\n"))
}

// handleHealth answers as long as the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

type healthzResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	*Stats
}

// handleHealthz returns the session snapshot, or 503 without a session.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.live() {
		writeJSON(w, http.StatusServiceUnavailable, healthzResponse{Status: "unavailable"})
		return
	}
	st := s.provider.Stats()
	writeJSON(w, http.StatusOK, healthzResponse{Status: "healthy", Running: true, Stats: &st})
}

// handleReady is 200 once a session is live.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.live() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

// handlePeers lists link addresses; always a JSON array.
func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := []string{}
	if s.provider != nil {
		if p := s.provider.Peers(); p != nil {
			peers = p
		}
	}
	writeJSON(w, http.StatusOK, peers)
}
