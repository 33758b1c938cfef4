package gateway

import (
	"time"

	"github.com/gobwas/ws"
)

// closeCode aliases the WebSocket status code type used across the gateway.
type closeCode = ws.StatusCode

// Close codes sent to clients so reconnection logic can distinguish retry,
// back off, and re-authenticate cases. 4xxx codes are the gateway's own wire
// contract; 1xxx codes are standard WebSocket status codes.
const (
	CloseAuthFailure      ws.StatusCode = 4001
	CloseRateLimited      ws.StatusCode = 4002
	CloseIdleTimeout      ws.StatusCode = 4003
	CloseCapacityExceeded ws.StatusCode = 4004
	CloseSlowConsumer     ws.StatusCode = 4005

	CloseNormal      = ws.StatusNormalClosure // 1000
	CloseGoingAway   = ws.StatusGoingAway     // 1001, server shutdown
	CloseFrameTooBig = ws.StatusMessageTooBig // 1009
	CloseProtocolErr = ws.StatusProtocolError // 1002
	CloseInternalErr = ws.StatusInternalServerError
)

// closeReasons are the human-readable close frame texts per code.
var closeReasons = map[ws.StatusCode]string{
	CloseAuthFailure:      "authentication failed",
	CloseRateLimited:      "rate limit exceeded",
	CloseIdleTimeout:      "idle timeout",
	CloseCapacityExceeded: "connection limit reached",
	CloseSlowConsumer:     "client too slow to consume messages",
	CloseFrameTooBig:      "frame exceeds maximum size",
	CloseGoingAway:        "server shutting down",
	CloseNormal:           "closed",
}

// writeCloseFrame sends a best-effort close frame. The peer may already be
// gone; errors are intentionally discarded.
func writeCloseFrame(c *conn, code ws.StatusCode) {
	if c.sock == nil {
		return
	}
	reason := closeReasons[code]
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, reason)
	_ = ws.WriteFrame(c.sock, ws.NewCloseFrame(body))
}
