// Package metrics implements the gateway's in-memory counters.
//
// Counters are keyed by name, carry a last-update timestamp and are
// monotonically non-decreasing except through explicit Set or Reset. Every
// increment is mirrored to a Prometheus counter vector so the same numbers
// are scrapeable via promhttp.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Well-known counter names. These always appear in a snapshot, defaulted to
// zero, so dashboards never see a missing series after a restart.
const (
	ConnectionsEstablished   = "connections_established"
	ConnectionsClosed        = "connections_closed"
	ConnectionsRejectedAuth  = "connections_rejected_auth"
	ConnectionsRejectedLimit = "connections_rejected_limit"
	ConnectionsIdleTimeout   = "connections_idle_timeout"
	ConnectionErrors         = "connection_errors"
	MessagesProcessed        = "messages_processed"
	MessagesSent             = "messages_sent"
	MessagesInvalid          = "messages_invalid"
	MessagesRateLimited      = "messages_rate_limited"
	BackpressureDrops        = "backpressure_drops"
	BackpressureDisconnects  = "backpressure_disconnects"
	HeartbeatPings           = "heartbeat_pings"
	HeartbeatPongs           = "heartbeat_pongs"
	ReconnectsRestored       = "reconnects_restored"
	ReconnectsExpired        = "reconnects_expired"
)

func baselineNames() []string {
	return []string{
		ConnectionsEstablished,
		ConnectionsClosed,
		ConnectionsRejectedAuth,
		ConnectionsRejectedLimit,
		ConnectionsIdleTimeout,
		ConnectionErrors,
		MessagesProcessed,
		MessagesSent,
		MessagesInvalid,
		MessagesRateLimited,
		BackpressureDrops,
		BackpressureDisconnects,
		HeartbeatPings,
		HeartbeatPongs,
		ReconnectsRestored,
		ReconnectsExpired,
	}
}

// Metric is one counter's current state.
type Metric struct {
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Collector accumulates named counters. When disabled it accepts every call
// as a no-op and reports zeros, so callers never need to branch on the
// metrics flag.
type Collector struct {
	mu      sync.Mutex
	enabled bool
	values  map[string]Metric
	now     func() time.Time

	promEvents *prometheus.CounterVec
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithRegistry mirrors increments into a gateway_events_total counter vector
// registered on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *Collector) {
		c.promEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Gateway event counters by event name",
		}, []string{"event"})
		reg.MustRegister(c.promEvents)
	}
}

// NewCollector creates a collector. When enabled is false the collector
// still answers every query with zeroed baseline counters.
func NewCollector(enabled bool, opts ...Option) *Collector {
	c := &Collector{
		enabled: enabled,
		values:  make(map[string]Metric),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Increment adds delta to the named counter (creating it at zero first).
func (c *Collector) Increment(name string, delta int64) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	m := c.values[name]
	m.Count += delta
	m.LastUpdated = c.now()
	c.values[name] = m
	c.mu.Unlock()

	if c.promEvents != nil && delta > 0 {
		c.promEvents.WithLabelValues(name).Add(float64(delta))
	}
}

// Inc is Increment by one.
func (c *Collector) Inc(name string) { c.Increment(name, 1) }

// Set overwrites the named counter. The only way, besides Reset, for a
// counter to go down.
func (c *Collector) Set(name string, value int64) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.values[name] = Metric{Count: value, LastUpdated: c.now()}
	c.mu.Unlock()
}

// Get returns the current count for name; zero for unknown names.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name].Count
}

// Snapshot returns every counter: the fixed baseline set defaulted to zero
// plus any dynamically incremented names.
func (c *Collector) Snapshot() map[string]Metric {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Metric, len(c.values)+16)
	for _, name := range baselineNames() {
		out[name] = Metric{}
	}
	for name, m := range c.values {
		out[name] = m
	}
	return out
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.values = make(map[string]Metric)
	c.mu.Unlock()
}

// Exposition renders the snapshot in Prometheus text format, one counter per
// line, sorted by name for stable output.
func (c *Collector) Exposition() string {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE gateway_%s counter\n", name)
		fmt.Fprintf(&b, "gateway_%s %d\n", name, snap[name].Count)
	}
	return b.String()
}
