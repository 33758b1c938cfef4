// Package admin exposes the gateway's read-only operational surface over
// HTTP, on a separate listener from client traffic.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aspired-future/startales-sub045/internal/gateway"
	"github.com/aspired-future/startales-sub045/internal/logging"
	"github.com/aspired-future/startales-sub045/internal/metrics"
	"github.com/aspired-future/startales-sub045/internal/presence"
)

// Gateway is the read-only surface the admin server exposes.
type Gateway interface {
	ConnectionCount() (int, error)
	Connections() ([]gateway.ConnectionInfo, error)
	Channels() ([]gateway.ChannelInfo, error)
	PresenceSnapshot() (map[string][]presence.Info, error)
	MetricsSnapshot() map[string]metrics.Metric
	MetricsExposition() string
	Uptime() time.Duration
}

// Options configures the admin server.
type Options struct {
	Port    int
	Gateway Gateway
	Log     *logging.Logger

	// Prometheus exposition source for /metrics/prom. Optional; the route
	// returns 404 when unset.
	Prometheus prometheus.Gatherer
}

// Server serves the admin API. All routes are GET-only and never mutate
// gateway state.
type Server struct {
	opts     Options
	log      *logging.Logger
	httpSrv  *http.Server
	listener net.Listener
	proc     *process.Process
	now      func() time.Time
}

// New builds an admin server. Start must be called to bind the listener.
func New(opts Options) *Server {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil // fall back to system-wide memory stats
	}
	return &Server{
		opts: opts,
		log:  opts.Log.Child(map[string]any{"component": "admin"}),
		proc: proc,
		now:  time.Now,
	}
}

// Start binds the admin listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err, "admin server error", nil)
		}
	}()

	s.log.Info("admin server listening", map[string]any{"addr": addr})
	return nil
}

// Close shuts the admin listener down. Safe to call when Start never ran.
func (s *Server) Close(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.guard(s.handleHealth))
	mux.HandleFunc("/metrics", s.guard(s.handleMetrics))
	mux.HandleFunc("/connections", s.guard(s.handleConnections))
	mux.HandleFunc("/channels", s.guard(s.handleChannels))
	mux.HandleFunc("/presence", s.guard(s.handlePresence))

	if s.opts.Prometheus != nil {
		prom := promhttp.HandlerFor(s.opts.Prometheus, promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics/prom", s.guard(prom.ServeHTTP))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return mux
}

// guard enforces the GET-only contract and sets shared headers.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		next(w, r)
	}
}

type healthPayload struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	Connections   int       `json:"connections"`
	MemoryMB      float64   `json:"memoryMb"`
	Goroutines    int       `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.opts.Gateway.ConnectionCount()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthPayload{
		Status:        "healthy",
		Timestamp:     s.now().UTC(),
		UptimeSeconds: s.opts.Gateway.Uptime().Seconds(),
		Connections:   count,
		MemoryMB:      s.memoryMB(),
		Goroutines:    runtime.NumGoroutine(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prom" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(s.opts.Gateway.MetricsExposition()))
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Gateway.MetricsSnapshot())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.opts.Gateway.Connections()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.opts.Gateway.Channels()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(channels),
		"channels": channels,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	roster, err := s.opts.Gateway.PresenceSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

// memoryMB reports the process RSS, falling back to system-wide usage when
// per-process stats are unavailable.
func (s *Server) memoryMB() float64 {
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			return float64(info.RSS) / 1024 / 1024
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		return float64(vmem.Used) / 1024 / 1024
	}
	return 0
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, gateway.ErrGatewayClosed) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
