package gateway

import (
	"fmt"
	"strings"
)

// ChannelID identifies a logical pub/sub topic scoped to a campaign and
// session. Channels are not pre-declared; they exist while they have
// members.
type ChannelID struct {
	Campaign string
	Session  string
	Topic    string
}

// String returns the canonical formatting used as a map key and on the wire.
func (c ChannelID) String() string {
	return c.Campaign + "/" + c.Session + "/" + c.Topic
}

// ParseChannelID parses the canonical campaign/session/topic form.
func ParseChannelID(s string) (ChannelID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: want campaign/session/topic", s)
	}
	for _, part := range parts {
		if part == "" {
			return ChannelID{}, fmt.Errorf("invalid channel id %q: empty segment", s)
		}
	}
	return ChannelID{Campaign: parts[0], Session: parts[1], Topic: parts[2]}, nil
}
