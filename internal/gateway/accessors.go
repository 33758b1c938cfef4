package gateway

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/aspired-future/startales-sub045/internal/metrics"
	"github.com/aspired-future/startales-sub045/internal/presence"
)

// Read-only accessors for the admin surface. Every accessor posts a query
// to the run loop and returns copies, so serializing the result never
// observes loop-owned state concurrently with a mutation.

// ConnectionInfo is the admin view of one live connection.
type ConnectionInfo struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	CampaignID         string    `json:"campaignId"`
	SessionID          string    `json:"sessionId"`
	LastSeen           time.Time `json:"lastSeen"`
	Channels           []string  `json:"channels"`
	RateLimitRemaining float64   `json:"rateLimitRemaining"`
	OutboundQueueSize  int       `json:"outboundQueueSize"`
}

// ChannelInfo is the admin view of one live channel.
type ChannelInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() (int, error) {
	var count int
	err := s.do(func() { count = len(s.conns) })
	return count, err
}

// Connections returns a snapshot of every registered connection.
func (s *Server) Connections() ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := s.do(func() {
		out = make([]ConnectionInfo, 0, len(s.conns))
		for _, c := range s.conns {
			channels := c.channelList()
			sort.Strings(channels)
			out = append(out, ConnectionInfo{
				ID:                 c.id,
				UserID:             c.identity.UserID,
				CampaignID:         c.identity.CampaignID,
				SessionID:          c.identity.SessionID,
				LastSeen:           c.lastSeen,
				Channels:           channels,
				RateLimitRemaining: c.limiter.Remaining(),
				OutboundQueueSize:  c.queueDepth(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out, err
}

// Channels returns a snapshot of every live channel with its member count.
func (s *Server) Channels() ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := s.do(func() {
		out = make([]ChannelInfo, 0, len(s.channels))
		for ch, members := range s.channels {
			out = append(out, ChannelInfo{ID: ch.String(), Members: len(members)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out, err
}

// PresenceSnapshot returns the full presence roster, channel by channel.
func (s *Server) PresenceSnapshot() (map[string][]presence.Info, error) {
	var out map[string][]presence.Info
	err := s.do(func() { out = s.presence.Snapshot() })
	return out, err
}

// MetricsSnapshot returns the full counter snapshot. The collector carries
// its own synchronization, so no loop hop is needed.
func (s *Server) MetricsSnapshot() map[string]metrics.Metric {
	return s.metrics.Snapshot()
}

// MetricsExposition renders the counters in Prometheus text format.
func (s *Server) MetricsExposition() string {
	return s.metrics.Exposition()
}

// Uptime reports time since Start.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started)
}

// ServerBroadcast pushes an out-of-band notification to every socket of a
// campaign. This is the collaborator boundary: the broader application
// calls it (directly or via the message bus) and never reaches gateway
// internals.
func (s *Server) ServerBroadcast(campaignID string, payload []byte) error {
	return s.post(evServerBroadcast{
		campaignID: campaignID,
		payload:    json.RawMessage(payload),
	})
}
