package gateway

import (
	"errors"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/metrics"
)

// handleWebSocket upgrades the HTTP request, authenticates it and hands the
// connection to the run loop. Auth and capacity rejections are delivered as
// close frames so clients can distinguish retry from re-authenticate.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Resolve credentials before the upgrade. A valid reconnect token wins;
	// an expired or invalid one falls back to fresh authentication.
	var restored *auth.ReconnectState
	var identity auth.Identity
	var authErr error

	if presented := r.URL.Query().Get("reconnect"); presented != "" {
		state, err := s.authn.VerifyReconnectToken(presented)
		switch {
		case err == nil:
			restored = &state
			identity = state.Identity
		case errors.Is(err, auth.ErrReconnectExpired):
			s.metrics.Inc(metrics.ReconnectsExpired)
			s.log.Info("expired reconnect token, requiring fresh auth", nil)
		default:
			s.log.Warn("invalid reconnect token, requiring fresh auth", map[string]any{
				"error": err.Error(),
			})
		}
	}
	if restored == nil {
		identity, authErr = s.authn.Authenticate(r)
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.Inc(metrics.ConnectionErrors)
		s.log.Warn("websocket upgrade failed", map[string]any{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	if authErr != nil {
		s.metrics.Inc(metrics.ConnectionsRejectedAuth)
		s.log.Warn("authentication failed", map[string]any{
			"remote_addr": r.RemoteAddr,
			"error":       authErr.Error(),
		})
		body := ws.NewCloseFrameBody(CloseAuthFailure, closeReasons[CloseAuthFailure])
		_ = ws.WriteFrame(sock, ws.NewCloseFrame(body))
		sock.Close()
		return
	}

	c := s.newConn(s.newID(), sock, identity)
	c.pumping = true

	var regErr error
	if err := s.do(func() { regErr = s.register(c, restored) }); err != nil {
		sock.Close()
		return
	}
	if regErr != nil {
		body := ws.NewCloseFrameBody(CloseCapacityExceeded, closeReasons[CloseCapacityExceeded])
		_ = ws.WriteFrame(sock, ws.NewCloseFrame(body))
		sock.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}
