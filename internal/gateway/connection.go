package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/limits"
	"github.com/aspired-future/startales-sub045/internal/logging"
)

// conn is one live client connection. All fields except the outbound queue
// are owned and mutated exclusively by the gateway loop; the write pump only
// drains c.out and closes the socket.
type conn struct {
	id       string
	sock     net.Conn
	identity auth.Identity

	channels map[ChannelID]struct{}
	lastSeen time.Time
	limiter  *limits.RateLimiter

	// Outbound queue. Capacity is the backpressure limit; a full queue means
	// the recipient's message is dropped, never that the loop blocks.
	out chan []byte

	// Consecutive full-queue drops. Reset on any successful enqueue;
	// reaching backpressureStrikes disconnects the connection.
	bpStrikes int

	// Set once by the loop during teardown; guards against double teardown.
	closed bool

	// True when read/write pumps own the socket lifecycle. Set before
	// registration, never changed afterwards.
	pumping bool

	// Close code the write pump sends when the queue is drained and closed.
	closeCode ws.StatusCode

	closeSockOnce sync.Once

	log *logging.Logger
}

// backpressureStrikes is how many consecutive dropped messages escalate a
// slow consumer to disconnection.
const backpressureStrikes = 3

func (s *Server) newConn(id string, sock net.Conn, identity auth.Identity) *conn {
	return &conn{
		id:       id,
		sock:     sock,
		identity: identity,
		channels: make(map[ChannelID]struct{}),
		lastSeen: s.now(),
		limiter:  limits.NewRateLimiter(s.cfg.RateLimitPerSec),
		out:      make(chan []byte, s.cfg.BackpressureLimit),
		log: s.log.Child(map[string]any{
			"connId": id,
			"userId": identity.UserID,
		}),
	}
}

// enqueue attempts a non-blocking send to the connection's outbound queue.
// Returns false when the queue is full; the caller decides whether that
// escalates.
func (c *conn) enqueue(data []byte) bool {
	if data == nil || c.closed {
		return false
	}
	select {
	case c.out <- data:
		c.bpStrikes = 0
		return true
	default:
		c.bpStrikes++
		return false
	}
}

// queueDepth reports messages queued but not yet flushed to the socket.
func (c *conn) queueDepth() int {
	return len(c.out)
}

// closeSocket closes the underlying socket exactly once.
func (c *conn) closeSocket() {
	c.closeSockOnce.Do(func() {
		if c.sock != nil {
			c.sock.Close()
		}
	})
}

// channelList returns the canonical ids of the connection's channel set.
func (c *conn) channelList() []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch.String())
	}
	return out
}
