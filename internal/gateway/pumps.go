package gateway

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump reads frames off the socket and posts them to the run loop. It
// never touches connection state itself; all interpretation happens on the
// loop. Exits on any read error or close frame, handing teardown to the
// loop.
func (s *Server) readPump(c *conn) {
	defer func() {
		// Best effort; during shutdown the loop drains everything anyway.
		_ = s.post(evDisconnect{c: c, code: CloseNormal})
	}()

	// The loop's idle sweep is authoritative for liveness; the read
	// deadline is a backstop well past it so a dead TCP peer cannot pin
	// the goroutine forever.
	deadline := 2 * s.cfg.IdleTimeout()

	for {
		c.sock.SetReadDeadline(time.Now().Add(deadline))
		msg, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			if err := s.post(evFrame{c: c, data: msg}); err != nil {
				return
			}
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the outbound queue to the socket, batching whatever has
// accumulated into one flush to cut syscalls. When the loop closes the
// queue at teardown, the pump sends the close frame carrying the teardown
// code and releases the socket.
func (s *Server) writePump(c *conn) {
	writer := bufio.NewWriter(c.sock)
	defer c.closeSocket()

	for {
		msg, ok := <-c.out
		if !ok {
			break
		}
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
			return
		}

		// Batch the rest of the queue into the same flush.
		pending := len(c.out)
		for i := 0; i < pending; i++ {
			more, open := <-c.out
			if !open {
				break
			}
			if err := wsutil.WriteServerMessage(writer, ws.OpText, more); err != nil {
				return
			}
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}

	code := c.closeCode
	if code == 0 {
		code = CloseNormal
	}
	writeCloseFrame(c, code)
}
