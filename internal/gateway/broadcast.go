package gateway

import (
	"encoding/json"

	"github.com/aspired-future/startales-sub045/internal/metrics"
)

// fanOut delivers a pre-serialized message to every member of a channel.
//
// The member list is snapshotted before iterating: a recipient disconnecting
// mid-broadcast (backpressure escalation tears it down inside this loop)
// mutates the membership map, and iteration must not observe that.
func (s *Server) fanOut(ch ChannelID, data []byte) {
	members := s.channels[ch]
	if len(members) == 0 {
		return
	}
	snapshot := make([]*conn, 0, len(members))
	for _, m := range members {
		snapshot = append(snapshot, m)
	}
	for _, m := range snapshot {
		s.deliver(m, data)
	}
}

// deliver enqueues one message for one recipient, enforcing backpressure.
// A full queue drops the message for that recipient only; repeated drops
// escalate to disconnection since a persistently slow consumer cannot be
// allowed to grow memory unbounded.
func (s *Server) deliver(c *conn, data []byte) {
	if c.closed {
		return
	}
	if c.enqueue(data) {
		s.metrics.Inc(metrics.MessagesSent)
		return
	}

	s.metrics.Inc(metrics.BackpressureDrops)
	c.log.Warn("backpressure drop", map[string]any{
		"queue_depth": c.queueDepth(),
		"strikes":     c.bpStrikes,
	})

	if c.bpStrikes >= backpressureStrikes {
		s.metrics.Inc(metrics.BackpressureDisconnects)
		c.log.Warn("disconnecting slow consumer", map[string]any{
			"strikes": c.bpStrikes,
		})
		s.teardown(c, CloseSlowConsumer)
	}
}

// fanOutServerBroadcast pushes an out-of-band notification to every socket
// belonging to a campaign.
func (s *Server) fanOutServerBroadcast(campaignID string, payload json.RawMessage) {
	data := marshalEnvelope(envelope{
		Type:       typeServerBroadcast,
		CampaignID: campaignID,
		Payload:    payload,
		Timestamp:  s.now().UnixMilli(),
	})

	snapshot := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.identity.CampaignID == campaignID {
			snapshot = append(snapshot, c)
		}
	}
	for _, c := range snapshot {
		s.deliver(c, data)
	}
}

// heartbeatSweep pings every active connection and closes the ones that
// have shown no traffic for longer than the idle timeout. Runs on the loop
// every heartbeat interval.
func (s *Server) heartbeatSweep() {
	now := s.now()
	idleCutoff := now.Add(-s.cfg.IdleTimeout())

	snapshot := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}

	for _, c := range snapshot {
		if c.closed {
			continue
		}
		if c.lastSeen.Before(idleCutoff) {
			s.metrics.Inc(metrics.ConnectionsIdleTimeout)
			c.log.Warn("idle timeout", map[string]any{
				"last_seen": c.lastSeen,
			})
			s.teardown(c, CloseIdleTimeout)
			continue
		}
		ping := marshalEnvelope(envelope{
			Type:           typePing,
			Timestamp:      now.UnixMilli(),
			ReconnectToken: s.reconnectToken(c),
		})
		if c.enqueue(ping) {
			s.metrics.Inc(metrics.HeartbeatPings)
		}
	}
}

// presenceSweep purges stale presence entries. Safety net for connections
// that vanished without a clean close.
func (s *Server) presenceSweep() {
	if removed := s.presence.Cleanup(); removed > 0 {
		s.log.Info("purged stale presence entries", map[string]any{
			"removed": removed,
		})
	}
}
