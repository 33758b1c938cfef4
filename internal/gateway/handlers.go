package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/metrics"
)

// ErrCapacityExceeded is returned by register when the connection limit is
// reached.
var ErrCapacityExceeded = errors.New("connection limit reached")

// register admits an authenticated connection into the registry, restoring
// a prior channel set when a valid reconnect state is presented. Runs on the
// loop.
func (s *Server) register(c *conn, restored *auth.ReconnectState) error {
	if len(s.conns) >= s.cfg.MaxConnections {
		s.metrics.Inc(metrics.ConnectionsRejectedLimit)
		return ErrCapacityExceeded
	}

	s.conns[c.id] = c
	s.metrics.Inc(metrics.ConnectionsEstablished)

	if restored != nil {
		for _, grant := range restored.Channels {
			ch, err := ParseChannelID(grant.ChannelID)
			if err != nil {
				continue // stale grant for a malformed id; skip it
			}
			c.channels[ch] = struct{}{}
			s.memberAdd(ch, c)
			s.presence.Restore(ch.String(), c.id, c.identity.UserID,
				time.UnixMilli(grant.JoinedAt), nil)
		}
		s.metrics.Inc(metrics.ReconnectsRestored)
		c.log.Info("connection restored from reconnect token", map[string]any{
			"channels": len(restored.Channels),
		})
	} else {
		c.log.Info("connection established", nil)
	}

	c.enqueue(marshalEnvelope(envelope{
		Type:           typeWelcome,
		ConnectionID:   c.id,
		Channels:       c.channelList(),
		ReconnectToken: s.reconnectToken(c),
		Timestamp:      s.now().UnixMilli(),
	}))
	return nil
}

// handleFrame processes one inbound frame: size cap, liveness, rate limit,
// envelope dispatch. Runs on the loop.
func (s *Server) handleFrame(c *conn, data []byte) {
	if c.closed {
		return
	}

	if int64(len(data)) > s.cfg.MaxFrameSize {
		s.metrics.Inc(metrics.ConnectionErrors)
		c.log.Warn("oversized frame", map[string]any{
			"size": len(data),
			"max":  s.cfg.MaxFrameSize,
		})
		s.teardown(c, CloseFrameTooBig)
		return
	}

	c.lastSeen = s.now()
	s.presence.Touch(c.id)

	if !c.limiter.Allow() {
		s.metrics.Inc(metrics.MessagesRateLimited)
		if c.limiter.ShouldDisconnect() {
			c.log.Warn("disconnecting after repeated rate limit violations", nil)
			s.teardown(c, CloseRateLimited)
			return
		}
		c.enqueue(marshalEnvelope(envelope{
			Type:    typeError,
			Code:    "RATE_LIMIT_EXCEEDED",
			Message: fmt.Sprintf("too many messages, limit is %d/sec", s.cfg.RateLimitPerSec),
		}))
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.Inc(metrics.MessagesInvalid)
		c.log.Warn("malformed envelope", map[string]any{"error": err.Error()})
		return
	}

	switch env.Type {
	case typeSubscribe:
		s.handleSubscribe(c, env)
	case typeUnsubscribe:
		s.handleUnsubscribe(c, env)
	case typePublish:
		s.handlePublish(c, env)
	case typeHeartbeatPong:
		s.metrics.Inc(metrics.HeartbeatPongs)
	case typePresenceUpdate:
		s.handlePresenceUpdate(c, env)
	default:
		s.metrics.Inc(metrics.MessagesInvalid)
		c.log.Warn("unknown envelope type", map[string]any{"envelopeType": env.Type})
	}
}

func (s *Server) handleSubscribe(c *conn, env envelope) {
	ch, err := ParseChannelID(env.Channel)
	if err != nil {
		s.invalidChannel(c, env.Channel, err)
		return
	}

	c.channels[ch] = struct{}{}
	s.memberAdd(ch, c)
	s.presence.Join(ch.String(), c.id, c.identity.UserID, env.Metadata)

	c.log.Debug("subscribed", map[string]any{"channel": ch.String()})
	c.enqueue(marshalEnvelope(envelope{
		Type:           typeSubscribeAck,
		Channel:        ch.String(),
		Channels:       c.channelList(),
		ReconnectToken: s.reconnectToken(c),
	}))
}

func (s *Server) handleUnsubscribe(c *conn, env envelope) {
	ch, err := ParseChannelID(env.Channel)
	if err != nil {
		s.invalidChannel(c, env.Channel, err)
		return
	}

	delete(c.channels, ch)
	s.memberRemove(ch, c)
	s.presence.Leave(ch.String(), c.id)

	c.log.Debug("unsubscribed", map[string]any{"channel": ch.String()})
	c.enqueue(marshalEnvelope(envelope{
		Type:           typeUnsubscribeAck,
		Channel:        ch.String(),
		Channels:       c.channelList(),
		ReconnectToken: s.reconnectToken(c),
	}))
}

func (s *Server) handlePublish(c *conn, env envelope) {
	ch, err := ParseChannelID(env.Channel)
	if err != nil {
		s.invalidChannel(c, env.Channel, err)
		return
	}

	s.metrics.Inc(metrics.MessagesProcessed)

	// Serialize once for every recipient.
	data := marshalEnvelope(envelope{
		Type:      typeMessage,
		Channel:   ch.String(),
		From:      c.identity.UserID,
		Payload:   env.Payload,
		Timestamp: s.now().UnixMilli(),
	})
	s.fanOut(ch, data)
}

func (s *Server) handlePresenceUpdate(c *conn, env envelope) {
	ch, err := ParseChannelID(env.Channel)
	if err != nil {
		s.invalidChannel(c, env.Channel, err)
		return
	}
	// Merge-only: no implicit join for channels the connection never
	// subscribed to.
	if _, member := c.channels[ch]; !member {
		return
	}
	s.presence.Update(ch.String(), c.id, env.Metadata)
}

func (s *Server) invalidChannel(c *conn, raw string, err error) {
	s.metrics.Inc(metrics.MessagesInvalid)
	c.log.Warn("invalid channel id", map[string]any{"channel": raw, "error": err.Error()})
	c.enqueue(marshalEnvelope(envelope{
		Type:    typeError,
		Code:    "CHANNEL_INVALID",
		Message: err.Error(),
	}))
}

// memberAdd and memberRemove keep the channel membership index in step with
// connection channel sets. A channel with zero members is destroyed; it is
// recreated lazily on the next subscribe.
func (s *Server) memberAdd(ch ChannelID, c *conn) {
	members := s.channels[ch]
	if members == nil {
		members = make(map[string]*conn)
		s.channels[ch] = members
	}
	members[c.id] = c
}

func (s *Server) memberRemove(ch ChannelID, c *conn) {
	members := s.channels[ch]
	if members == nil {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(s.channels, ch)
	}
}

// reconnectToken signs a token restoring the connection's current channel
// set, preserving each channel's original join time.
func (s *Server) reconnectToken(c *conn) string {
	grants := make([]auth.ChannelGrant, 0, len(c.channels))
	for ch := range c.channels {
		joined := s.now()
		if entry, ok := s.presence.GetEntry(ch.String(), c.id); ok {
			joined = entry.JoinedAt
		}
		grants = append(grants, auth.ChannelGrant{
			ChannelID: ch.String(),
			JoinedAt:  joined.UnixMilli(),
		})
	}
	token, err := s.authn.IssueReconnectToken(auth.ReconnectState{
		Identity: c.identity,
		Channels: grants,
	}, s.cfg.ReconnectTTL)
	if err != nil {
		c.log.Err(err, "failed to issue reconnect token", nil)
		return ""
	}
	return token
}

// teardown is the single convergence point for every close path. Idempotent:
// the second call for the same connection is a no-op.
func (s *Server) teardown(c *conn, code closeCode) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code

	for ch := range c.channels {
		s.memberRemove(ch, c)
		s.presence.Leave(ch.String(), c.id)
	}
	delete(s.conns, c.id)
	s.metrics.Inc(metrics.ConnectionsClosed)

	// The write pump drains the remaining queue, sends the close frame and
	// releases the socket. Without a pump (register rejection, tests) the
	// socket is closed directly.
	close(c.out)
	if !c.pumping {
		writeCloseFrame(c, code)
		c.closeSocket()
	}

	c.log.Info("connection closed", map[string]any{"code": int(code)})
}
