// Package presence tracks per-channel membership rosters.
//
// The manager is owned and mutated only by the gateway loop, so it needs no
// internal locking; every accessor returns copies.
package presence

import "time"

// StaleAfter is how long an entry may go without a lastSeen bump before the
// periodic cleanup removes it. Safety net for connections that vanish
// without a clean close.
const StaleAfter = 5 * time.Minute

// Info is one (channel, connection) membership entry. Metadata is an open
// key/value bag merged, not replaced, on update.
type Info struct {
	UserID       string         `json:"userId"`
	ConnectionID string         `json:"connectionId"`
	ChannelID    string         `json:"channelId"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LastSeen     time.Time      `json:"lastSeen"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Manager keeps one roster per channel keyed by connection id.
type Manager struct {
	channels map[string]map[string]*Info
	now      func() time.Time
}

// NewManager creates an empty presence manager.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]map[string]*Info),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Join inserts or overwrites the (channel, connection) entry with fresh
// timestamps. Rejoining resets joinedAt and lastSeen rather than erroring.
func (m *Manager) Join(channelID, connectionID, userID string, metadata map[string]any) {
	roster := m.channels[channelID]
	if roster == nil {
		roster = make(map[string]*Info)
		m.channels[channelID] = roster
	}
	now := m.now()
	roster[connectionID] = &Info{
		UserID:       userID,
		ConnectionID: connectionID,
		ChannelID:    channelID,
		JoinedAt:     now,
		LastSeen:     now,
		Metadata:     copyMetadata(metadata),
	}
}

// Restore reinstates an entry with a preserved joinedAt, used when a
// reconnecting client resumes its prior channel set.
func (m *Manager) Restore(channelID, connectionID, userID string, joinedAt time.Time, metadata map[string]any) {
	m.Join(channelID, connectionID, userID, metadata)
	m.channels[channelID][connectionID].JoinedAt = joinedAt
}

// Leave removes the entry if present. Double-leave is a no-op.
func (m *Manager) Leave(channelID, connectionID string) {
	roster, ok := m.channels[channelID]
	if !ok {
		return
	}
	delete(roster, connectionID)
	if len(roster) == 0 {
		delete(m.channels, channelID)
	}
}

// Update merges metadata into an existing entry and bumps lastSeen. Does not
// implicitly create presence: unknown entries are a no-op.
func (m *Manager) Update(channelID, connectionID string, metadata map[string]any) {
	roster, ok := m.channels[channelID]
	if !ok {
		return
	}
	entry, ok := roster[connectionID]
	if !ok {
		return
	}
	if entry.Metadata == nil && len(metadata) > 0 {
		entry.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		entry.Metadata[k] = v
	}
	entry.LastSeen = m.now()
}

// Touch bumps lastSeen on every entry a connection holds. Called when the
// connection shows liveness (inbound frame or heartbeat pong).
func (m *Manager) Touch(connectionID string) {
	now := m.now()
	for _, roster := range m.channels {
		if entry, ok := roster[connectionID]; ok {
			entry.LastSeen = now
		}
	}
}

// Get returns all current entries for a channel; an empty slice for unknown
// channels. Entries are copies, safe for the caller to hold.
func (m *Manager) Get(channelID string) []Info {
	roster := m.channels[channelID]
	out := make([]Info, 0, len(roster))
	for _, entry := range roster {
		info := *entry
		info.Metadata = copyMetadata(entry.Metadata)
		out = append(out, info)
	}
	return out
}

// GetEntry returns one entry and whether it exists. The copy is detached.
func (m *Manager) GetEntry(channelID, connectionID string) (Info, bool) {
	roster, ok := m.channels[channelID]
	if !ok {
		return Info{}, false
	}
	entry, ok := roster[connectionID]
	if !ok {
		return Info{}, false
	}
	info := *entry
	info.Metadata = copyMetadata(entry.Metadata)
	return info, true
}

// Channels returns the ids of every channel with at least one member.
func (m *Manager) Channels() []string {
	out := make([]string, 0, len(m.channels))
	for id := range m.channels {
		out = append(out, id)
	}
	return out
}

// Snapshot returns the full presence state as channel -> entries.
func (m *Manager) Snapshot() map[string][]Info {
	out := make(map[string][]Info, len(m.channels))
	for id := range m.channels {
		out[id] = m.Get(id)
	}
	return out
}

// Cleanup removes entries whose lastSeen is older than StaleAfter and drops
// channels that end up empty. Returns the number of entries removed.
func (m *Manager) Cleanup() int {
	cutoff := m.now().Add(-StaleAfter)
	removed := 0
	for channelID, roster := range m.channels {
		for connectionID, entry := range roster {
			if entry.LastSeen.Before(cutoff) {
				delete(roster, connectionID)
				removed++
			}
		}
		if len(roster) == 0 {
			delete(m.channels, channelID)
		}
	}
	return removed
}

func copyMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
