package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestIncrementAndGet(t *testing.T) {
	c := NewCollector(true)
	c.Inc(MessagesProcessed)
	c.Increment(MessagesProcessed, 4)

	if got := c.Get(MessagesProcessed); got != 5 {
		t.Errorf("Get = %d, want 5", got)
	}
	if got := c.Get("never_touched"); got != 0 {
		t.Errorf("unknown counter = %d, want 0", got)
	}
}

func TestSnapshotContainsBaseline(t *testing.T) {
	c := NewCollector(true)
	c.Inc("custom_counter")

	snap := c.Snapshot()
	if _, ok := snap[ConnectionsEstablished]; !ok {
		t.Error("baseline counter missing from snapshot")
	}
	if snap[ConnectionsEstablished].Count != 0 {
		t.Errorf("untouched baseline = %d, want 0", snap[ConnectionsEstablished].Count)
	}
	if snap["custom_counter"].Count != 1 {
		t.Errorf("dynamic counter = %d, want 1", snap["custom_counter"].Count)
	}
}

func TestDisabledCollectorIsNoOp(t *testing.T) {
	c := NewCollector(false)
	c.Inc(MessagesProcessed)
	c.Set(MessagesSent, 99)

	if got := c.Get(MessagesProcessed); got != 0 {
		t.Errorf("disabled collector counted: %d", got)
	}
	snap := c.Snapshot()
	for name, m := range snap {
		if m.Count != 0 {
			t.Errorf("disabled snapshot has non-zero %s = %d", name, m.Count)
		}
	}
}

func TestSetAndReset(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewCollector(true, WithClock(func() time.Time { return fixed }))

	c.Set(MessagesSent, 42)
	snap := c.Snapshot()
	if snap[MessagesSent].Count != 42 {
		t.Errorf("Set = %d, want 42", snap[MessagesSent].Count)
	}
	if !snap[MessagesSent].LastUpdated.Equal(fixed) {
		t.Errorf("LastUpdated = %v, want %v", snap[MessagesSent].LastUpdated, fixed)
	}

	c.Reset()
	if got := c.Get(MessagesSent); got != 0 {
		t.Errorf("after Reset = %d, want 0", got)
	}
}

func TestExpositionFormat(t *testing.T) {
	c := NewCollector(true)
	c.Increment(HeartbeatPings, 3)

	text := c.Exposition()
	if !strings.Contains(text, "gateway_heartbeat_pings 3") {
		t.Errorf("exposition missing counter line:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE gateway_heartbeat_pings counter") {
		t.Errorf("exposition missing TYPE line:\n%s", text)
	}
	// Baseline counters render as zero even when never incremented.
	if !strings.Contains(text, "gateway_connections_closed 0") {
		t.Errorf("exposition missing zeroed baseline:\n%s", text)
	}
}
