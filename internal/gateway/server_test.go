package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aspired-future/startales-sub045/internal/auth"
	"github.com/aspired-future/startales-sub045/internal/config"
	"github.com/aspired-future/startales-sub045/internal/logging"
	"github.com/aspired-future/startales-sub045/internal/metrics"
)

// newTestServer builds a gateway core with no listener. Tests call the loop
// handlers directly, which is legal because production reaches them from a
// single goroutine too.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:              4500,
		RateLimitPerSec:   10,
		BackpressureLimit: 16,
		MaxFrameSize:      1024,
		MaxConnections:    100,
		HeartbeatMs:       30000,
		ReconnectTTL:      30 * time.Second,
		JWTSecret:         "test-secret",
		DevAuth:           true,
		EnableMetrics:     true,
	}
	return NewServer(cfg, logging.NewNop(), metrics.NewCollector(true), auth.New(cfg.JWTSecret, true))
}

func admit(t *testing.T, s *Server, userID, campaignID string) *conn {
	t.Helper()
	c := s.newConn(s.newID(), nil, auth.Identity{
		UserID:     userID,
		CampaignID: campaignID,
		SessionID:  "sess-1",
	})
	if err := s.register(c, nil); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	return c
}

// recv pops the next queued outbound envelope, failing if none is queued.
func recv(t *testing.T, c *conn) envelope {
	t.Helper()
	select {
	case data := <-c.out:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return env
	default:
		t.Fatal("no outbound frame queued")
		return envelope{}
	}
}

// drainQueue discards everything currently queued for a connection.
func drainQueue(c *conn) []envelope {
	var out []envelope
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return out
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestRegisterSendsWelcome(t *testing.T) {
	s := newTestServer(t)
	c := admit(t, s, "alice", "camp-1")

	welcome := recv(t, c)
	if welcome.Type != typeWelcome {
		t.Fatalf("first envelope type = %q, want %q", welcome.Type, typeWelcome)
	}
	if welcome.ConnectionID != c.id {
		t.Errorf("welcome connectionId = %q, want %q", welcome.ConnectionID, c.id)
	}
	if welcome.ReconnectToken == "" {
		t.Error("welcome carries no reconnect token")
	}
	if got := s.metrics.Get(metrics.ConnectionsEstablished); got != 1 {
		t.Errorf("connections_established = %d, want 1", got)
	}
}

func TestRegisterRejectsOverCapacity(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MaxConnections = 2

	admit(t, s, "alice", "camp-1")
	admit(t, s, "bob", "camp-1")

	c := s.newConn(s.newID(), nil, auth.Identity{UserID: "carol", CampaignID: "camp-1"})
	if err := s.register(c, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("register over capacity = %v, want ErrCapacityExceeded", err)
	}
	if got := s.metrics.Get(metrics.ConnectionsRejectedLimit); got != 1 {
		t.Errorf("connections_rejected_limit = %d, want 1", got)
	}
	if len(s.conns) != 2 {
		t.Errorf("registry size = %d, want 2", len(s.conns))
	}
}

func TestSubscribePublishFanOut(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	bob := admit(t, s, "bob", "camp-1")
	carol := admit(t, s, "carol", "camp-1")

	sub := marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/map"})
	s.handleFrame(alice, sub)
	s.handleFrame(bob, sub)
	s.handleFrame(carol, marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/chat"}))
	drainQueue(alice)
	drainQueue(bob)
	drainQueue(carol)

	payload := json.RawMessage(`{"x":4,"y":7}`)
	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:    typePublish,
		Channel: "camp-1/sess-1/map",
		Payload: payload,
	}))

	for _, member := range []*conn{alice, bob} {
		msg := recv(t, member)
		if msg.Type != typeMessage {
			t.Fatalf("member got %q, want %q", msg.Type, typeMessage)
		}
		if msg.From != "alice" {
			t.Errorf("message from = %q, want alice", msg.From)
		}
		if msg.Channel != "camp-1/sess-1/map" {
			t.Errorf("message channel = %q", msg.Channel)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Errorf("payload = %s, want %s", msg.Payload, payload)
		}
	}
	if got := drainQueue(carol); len(got) != 0 {
		t.Errorf("non-member received %d envelopes", len(got))
	}
	if got := s.metrics.Get(metrics.MessagesProcessed); got != 1 {
		t.Errorf("messages_processed = %d, want 1", got)
	}
	if got := s.metrics.Get(metrics.MessagesSent); got != 2 {
		t.Errorf("messages_sent = %d, want 2", got)
	}
}

func TestUnsubscribeStopsDeliveryAndDestroysEmptyChannel(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	bob := admit(t, s, "bob", "camp-1")

	sub := marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/map"})
	s.handleFrame(alice, sub)
	s.handleFrame(bob, sub)

	s.handleFrame(bob, marshalEnvelope(envelope{Type: typeUnsubscribe, Channel: "camp-1/sess-1/map"}))
	drainQueue(alice)
	drainQueue(bob)

	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:    typePublish,
		Channel: "camp-1/sess-1/map",
		Payload: json.RawMessage(`1`),
	}))
	if got := drainQueue(bob); len(got) != 0 {
		t.Errorf("unsubscribed connection received %d envelopes", len(got))
	}
	if got := drainQueue(alice); len(got) != 1 {
		t.Errorf("remaining member received %d envelopes, want 1", len(got))
	}

	s.handleFrame(alice, marshalEnvelope(envelope{Type: typeUnsubscribe, Channel: "camp-1/sess-1/map"}))
	if len(s.channels) != 0 {
		t.Errorf("empty channel not destroyed, %d channels remain", len(s.channels))
	}
}

func TestPresenceTracksMembership(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")

	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:     typeSubscribe,
		Channel:  "camp-1/sess-1/map",
		Metadata: map[string]any{"role": "gm"},
	}))
	roster := s.presence.Get("camp-1/sess-1/map")
	if len(roster) != 1 {
		t.Fatalf("roster size = %d, want 1", len(roster))
	}
	if roster[0].UserID != "alice" || roster[0].Metadata["role"] != "gm" {
		t.Errorf("unexpected roster entry: %+v", roster[0])
	}

	s.teardown(alice, CloseNormal)
	if got := s.presence.Get("camp-1/sess-1/map"); len(got) != 0 {
		t.Errorf("presence survived teardown: %+v", got)
	}
	if len(s.channels) != 0 {
		t.Errorf("membership survived teardown, %d channels remain", len(s.channels))
	}
}

func TestPresenceUpdateRequiresMembership(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	bob := admit(t, s, "bob", "camp-1")

	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:     typeSubscribe,
		Channel:  "camp-1/sess-1/map",
		Metadata: map[string]any{"status": "idle"},
	}))

	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:     typePresenceUpdate,
		Channel:  "camp-1/sess-1/map",
		Metadata: map[string]any{"status": "typing"},
	}))
	roster := s.presence.Get("camp-1/sess-1/map")
	if len(roster) != 1 || roster[0].Metadata["status"] != "typing" {
		t.Fatalf("member update not applied: %+v", roster)
	}

	// Non-member update leaves the roster untouched.
	s.handleFrame(bob, marshalEnvelope(envelope{
		Type:     typePresenceUpdate,
		Channel:  "camp-1/sess-1/map",
		Metadata: map[string]any{"status": "lurking"},
	}))
	if got := s.presence.Get("camp-1/sess-1/map"); len(got) != 1 {
		t.Errorf("non-member update created presence: %+v", got)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")

	s.handleFrame(alice, make([]byte, s.cfg.MaxFrameSize+1))

	if !alice.closed {
		t.Fatal("connection still open after oversized frame")
	}
	if _, ok := s.conns[alice.id]; ok {
		t.Error("connection still registered")
	}
	if got := s.metrics.Get(metrics.ConnectionErrors); got != 1 {
		t.Errorf("connection_errors = %d, want 1", got)
	}
	if alice.closeCode != CloseFrameTooBig {
		t.Errorf("close code = %d, want %d", alice.closeCode, CloseFrameTooBig)
	}
}

func TestMalformedAndUnknownFramesAreCounted(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	drainQueue(alice)

	s.handleFrame(alice, []byte(`{"type": "subscribe"`))
	s.handleFrame(alice, marshalEnvelope(envelope{Type: "warp-drive"}))

	if got := s.metrics.Get(metrics.MessagesInvalid); got != 2 {
		t.Errorf("messages_invalid = %d, want 2", got)
	}
	if alice.closed {
		t.Error("malformed input must not close the connection")
	}
}

func TestInvalidChannelSendsErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	drainQueue(alice)

	s.handleFrame(alice, marshalEnvelope(envelope{Type: typeSubscribe, Channel: "not-a-channel"}))

	errEnv := recv(t, alice)
	if errEnv.Type != typeError || errEnv.Code != "CHANNEL_INVALID" {
		t.Fatalf("got %+v, want CHANNEL_INVALID error envelope", errEnv)
	}
	if got := s.metrics.Get(metrics.MessagesInvalid); got != 1 {
		t.Errorf("messages_invalid = %d, want 1", got)
	}
}

func TestRateLimitWarnsThenDisconnects(t *testing.T) {
	s := newTestServer(t)
	s.cfg.RateLimitPerSec = 1
	alice := admit(t, s, "alice", "camp-1")
	drainQueue(alice)

	pong := marshalEnvelope(envelope{Type: typeHeartbeatPong})

	// Burst budget of one, then violations accumulate.
	s.handleFrame(alice, pong)
	s.handleFrame(alice, pong)

	errEnv := recv(t, alice)
	if errEnv.Type != typeError || errEnv.Code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("got %+v, want RATE_LIMIT_EXCEEDED error envelope", errEnv)
	}
	if alice.closed {
		t.Fatal("disconnected before the violation threshold")
	}

	for i := 0; i < 50 && !alice.closed; i++ {
		s.handleFrame(alice, pong)
	}
	if !alice.closed {
		t.Fatal("sustained violations never disconnected the connection")
	}
	if alice.closeCode != CloseRateLimited {
		t.Errorf("close code = %d, want %d", alice.closeCode, CloseRateLimited)
	}
	if got := s.metrics.Get(metrics.MessagesRateLimited); got < 2 {
		t.Errorf("messages_rate_limited = %d, want >= 2", got)
	}
}

func TestBackpressureDropsThenDisconnects(t *testing.T) {
	s := newTestServer(t)
	fast := admit(t, s, "fast", "camp-1")

	s.cfg.BackpressureLimit = 1
	slow := admit(t, s, "slow", "camp-1")

	sub := marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/map"})
	s.handleFrame(fast, sub)
	s.handleFrame(slow, sub)
	drainQueue(fast)
	drainQueue(slow)

	publish := marshalEnvelope(envelope{
		Type:    typePublish,
		Channel: "camp-1/sess-1/map",
		Payload: json.RawMessage(`"tick"`),
	})

	// The slow connection's queue holds one message, filled by the first
	// publish and never drained. A fast recipient keeps receiving while the
	// slow one accumulates drops.
	for i := 0; i < 4; i++ {
		s.handleFrame(fast, publish)
		if got := drainQueue(fast); len(got) != 1 {
			t.Fatalf("publish %d: fast recipient got %d envelopes, want 1", i, len(got))
		}
	}

	if got := s.metrics.Get(metrics.BackpressureDrops); got != 3 {
		t.Errorf("backpressure_drops = %d, want 3", got)
	}
	if got := s.metrics.Get(metrics.BackpressureDisconnects); got != 1 {
		t.Errorf("backpressure_disconnects = %d, want 1", got)
	}
	if !slow.closed {
		t.Fatal("slow consumer never disconnected")
	}
	if slow.closeCode != CloseSlowConsumer {
		t.Errorf("close code = %d, want %d", slow.closeCode, CloseSlowConsumer)
	}
	if fast.closed {
		t.Error("fast recipient must be unaffected by a slow peer")
	}
}

func TestHeartbeatSweepPingsActiveConnections(t *testing.T) {
	s := newTestServer(t)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	alice := admit(t, s, "alice", "camp-1")
	drainQueue(alice)

	s.now = func() time.Time { return base.Add(10 * time.Second) }
	s.heartbeatSweep()

	ping := recv(t, alice)
	if ping.Type != typePing {
		t.Fatalf("got %q, want %q", ping.Type, typePing)
	}
	if ping.ReconnectToken == "" {
		t.Error("ping carries no reconnect token")
	}
	if got := s.metrics.Get(metrics.HeartbeatPings); got != 1 {
		t.Errorf("heartbeat_pings = %d, want 1", got)
	}
}

func TestHeartbeatSweepClosesIdleConnections(t *testing.T) {
	s := newTestServer(t)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	alice := admit(t, s, "alice", "camp-1")
	bob := admit(t, s, "bob", "camp-1")

	// Bob stays live by sending traffic just before the sweep.
	s.now = func() time.Time { return base.Add(s.cfg.IdleTimeout()) }
	s.handleFrame(bob, marshalEnvelope(envelope{Type: typeHeartbeatPong}))

	s.now = func() time.Time { return base.Add(s.cfg.IdleTimeout() + time.Second) }
	s.heartbeatSweep()

	if !alice.closed {
		t.Fatal("idle connection survived the sweep")
	}
	if alice.closeCode != CloseIdleTimeout {
		t.Errorf("close code = %d, want %d", alice.closeCode, CloseIdleTimeout)
	}
	if bob.closed {
		t.Fatal("live connection was swept")
	}
	if got := s.metrics.Get(metrics.ConnectionsIdleTimeout); got != 1 {
		t.Errorf("connections_idle_timeout = %d, want 1", got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")

	s.teardown(alice, CloseNormal)
	s.teardown(alice, CloseSlowConsumer)

	if got := s.metrics.Get(metrics.ConnectionsClosed); got != 1 {
		t.Errorf("connections_closed = %d, want 1", got)
	}
	if alice.closeCode != CloseNormal {
		t.Errorf("second teardown overwrote the close code: %d", alice.closeCode)
	}
}

func TestFramesIgnoredAfterTeardown(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	s.teardown(alice, CloseNormal)

	before := s.metrics.Get(metrics.MessagesProcessed)
	s.handleFrame(alice, marshalEnvelope(envelope{
		Type:    typePublish,
		Channel: "camp-1/sess-1/map",
		Payload: json.RawMessage(`1`),
	}))
	if got := s.metrics.Get(metrics.MessagesProcessed); got != before {
		t.Error("frame processed for a closed connection")
	}
}

func TestReconnectRestoresChannelSet(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")

	s.handleFrame(alice, marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/map"}))
	s.handleFrame(alice, marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/chat"}))
	envs := drainQueue(alice)
	token := envs[len(envs)-1].ReconnectToken
	if token == "" {
		t.Fatal("no reconnect token in subscribe ack")
	}

	joined, ok := s.presence.GetEntry("camp-1/sess-1/map", alice.id)
	if !ok {
		t.Fatal("presence entry missing before disconnect")
	}
	s.teardown(alice, CloseNormal)

	state, err := s.authn.VerifyReconnectToken(token)
	if err != nil {
		t.Fatalf("VerifyReconnectToken: %v", err)
	}
	revived := s.newConn(s.newID(), nil, state.Identity)
	if err := s.register(revived, &state); err != nil {
		t.Fatalf("register restored: %v", err)
	}

	if len(revived.channels) != 2 {
		t.Fatalf("restored channel set size = %d, want 2", len(revived.channels))
	}
	welcome := recv(t, revived)
	if welcome.Type != typeWelcome || len(welcome.Channels) != 2 {
		t.Fatalf("welcome = %+v, want 2 restored channels", welcome)
	}

	entry, ok := s.presence.GetEntry("camp-1/sess-1/map", revived.id)
	if !ok {
		t.Fatal("presence entry missing after restore")
	}
	if entry.JoinedAt.UnixMilli() != joined.JoinedAt.UnixMilli() {
		t.Errorf("joinedAt = %v, want preserved %v", entry.JoinedAt, joined.JoinedAt)
	}
	if got := s.metrics.Get(metrics.ReconnectsRestored); got != 1 {
		t.Errorf("reconnects_restored = %d, want 1", got)
	}
}

func TestServerBroadcastFiltersByCampaign(t *testing.T) {
	s := newTestServer(t)
	alice := admit(t, s, "alice", "camp-1")
	bob := admit(t, s, "bob", "camp-2")
	drainQueue(alice)
	drainQueue(bob)

	s.fanOutServerBroadcast("camp-1", json.RawMessage(`{"news":"session starting"}`))

	got := recv(t, alice)
	if got.Type != typeServerBroadcast || got.CampaignID != "camp-1" {
		t.Fatalf("got %+v, want server broadcast for camp-1", got)
	}
	if stray := drainQueue(bob); len(stray) != 0 {
		t.Errorf("other campaign received %d envelopes", len(stray))
	}
}

func TestAccessorsThroughRunLoop(t *testing.T) {
	s := newTestServer(t)
	go s.run()
	t.Cleanup(s.cancel)

	var regErr error
	if err := s.do(func() {
		c := s.newConn(s.newID(), nil, auth.Identity{UserID: "alice", CampaignID: "camp-1", SessionID: "sess-1"})
		regErr = s.register(c, nil)
		s.handleFrame(c, marshalEnvelope(envelope{Type: typeSubscribe, Channel: "camp-1/sess-1/map"}))
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if regErr != nil {
		t.Fatalf("register: %v", regErr)
	}

	count, err := s.ConnectionCount()
	if err != nil || count != 1 {
		t.Fatalf("ConnectionCount = %d, %v; want 1, nil", count, err)
	}

	conns, err := s.Connections()
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 1 || conns[0].UserID != "alice" || len(conns[0].Channels) != 1 {
		t.Fatalf("unexpected connection snapshot: %+v", conns)
	}

	channels, err := s.Channels()
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "camp-1/sess-1/map" || channels[0].Members != 1 {
		t.Fatalf("unexpected channel snapshot: %+v", channels)
	}

	roster, err := s.PresenceSnapshot()
	if err != nil {
		t.Fatalf("PresenceSnapshot: %v", err)
	}
	if len(roster["camp-1/sess-1/map"]) != 1 {
		t.Fatalf("unexpected presence snapshot: %+v", roster)
	}

	s.cancel()
	<-s.loopDone
	if _, err := s.ConnectionCount(); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("accessor after shutdown = %v, want ErrGatewayClosed", err)
	}
}
