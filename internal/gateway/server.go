// Package gateway implements the realtime WebSocket gateway core: the
// connection registry, channel fan-out, heartbeat scheduling, backpressure
// enforcement and reconnection bookkeeping.
//
// Concurrency model: a single run loop owns every piece of mutable state
// (registry, channels, presence, rate limiters). Read pumps, timers and
// admin accessors communicate with the loop through the events channel, so
// no connection is ever mutated by two logical operations concurrently.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/config"
	"github.com/aspired-future/startales-sub045/internal/logging"
	"github.com/aspired-future/startales-sub045/internal/metrics"
	"github.com/aspired-future/startales-sub045/internal/presence"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Size of the loop's inbound event queue. Read pumps block when the
	// loop falls behind, which backpressures inbound traffic naturally.
	eventQueueSize = 1024

	// How often stale presence entries are swept.
	presenceCleanupInterval = time.Minute
)

// ErrGatewayClosed is returned by accessors once the run loop has stopped.
var ErrGatewayClosed = errors.New("gateway is closed")

// Server is the gateway core.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Collector
	authn    *auth.Authenticator
	presence *presence.Manager

	// Loop-owned state. Only the run loop (or tests driving handlers
	// directly) touches these.
	conns    map[string]*conn
	channels map[ChannelID]map[string]*conn

	events chan event

	listener net.Listener
	httpSrv  *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	loopDone     chan struct{}

	started time.Time
	now     func() time.Time
	newID   func() string
}

// NewServer wires the gateway core. Start must be called before it accepts
// connections.
func NewServer(cfg *config.Config, log *logging.Logger, collector *metrics.Collector, authn *auth.Authenticator) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log.Child(map[string]any{"component": "gateway"}),
		metrics:  collector,
		authn:    authn,
		presence: presence.NewManager(),
		conns:    make(map[string]*conn),
		channels: make(map[ChannelID]map[string]*conn),
		events:   make(chan event, eventQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		now:      time.Now,
		newID:    newConnectionID,
	}
}

// Start binds the WebSocket listener and starts the run loop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = s.now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err, "gateway accept loop error", nil)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.log.Info("gateway listening", map[string]any{
		"addr":            addr,
		"max_connections": s.cfg.MaxConnections,
		"heartbeat_ms":    s.cfg.HeartbeatMs,
	})
	return nil
}

// run is the single-owner event loop.
func (s *Server) run() {
	defer close(s.loopDone)

	heartbeat := time.NewTicker(s.cfg.Heartbeat())
	cleanup := time.NewTicker(presenceCleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-heartbeat.C:
			s.heartbeatSweep()
		case <-cleanup.C:
			s.presenceSweep()
		case <-s.ctx.Done():
			s.drainAll()
			return
		}
	}
}

// handleEvent dispatches one loop event. Exposed to tests, which call it
// directly to exercise single-threaded semantics without goroutines.
func (s *Server) handleEvent(ev event) {
	switch e := ev.(type) {
	case evFrame:
		s.handleFrame(e.c, e.data)
	case evDisconnect:
		s.teardown(e.c, e.code)
	case evServerBroadcast:
		s.fanOutServerBroadcast(e.campaignID, e.payload)
	case evQuery:
		e.fn()
		close(e.done)
	}
}

// post delivers an event to the loop, failing once the gateway is shutting
// down.
func (s *Server) post(ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return ErrGatewayClosed
	}
}

// do runs fn on the loop and waits for it, giving callers a consistent
// snapshot of loop-owned state.
func (s *Server) do(fn func()) error {
	done := make(chan struct{})
	if err := s.post(evQuery{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return ErrGatewayClosed
	}
}

// drainAll force-closes every remaining connection during shutdown.
func (s *Server) drainAll() {
	for _, c := range s.conns {
		s.teardown(c, CloseGoingAway)
	}
}

// Shutdown stops accepting connections, drains the registry and waits for
// all goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shuttingDown.Swap(true) {
		return nil
	}
	s.log.Info("gateway shutting down", nil)

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("gateway shutdown complete", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
