package gateway

import "encoding/json"

// Client-to-server envelope types.
const (
	typeSubscribe      = "subscribe"
	typeUnsubscribe    = "unsubscribe"
	typePublish        = "publish"
	typeHeartbeatPong  = "heartbeat-pong"
	typePresenceUpdate = "presence-update"
)

// Server-to-client envelope types.
const (
	typeWelcome         = "welcome"
	typeSubscribeAck    = "subscribe-ack"
	typeUnsubscribeAck  = "unsubscribe-ack"
	typeMessage         = "message"
	typePing            = "ping"
	typeError           = "error"
	typeServerBroadcast = "server-broadcast"
)

// envelope is the JSON frame exchanged over the socket. Fields are a union
// across envelope types; each type documents which fields it uses.
type envelope struct {
	Type string `json:"type"`

	// subscribe / unsubscribe / publish / message
	Channel string `json:"channel,omitempty"`

	// subscribe: initial presence metadata; merged on repeat
	Metadata map[string]any `json:"metadata,omitempty"`

	// publish / message / server-broadcast
	Payload json.RawMessage `json:"payload,omitempty"`

	// message: publisher's user id
	From string `json:"from,omitempty"`

	// server-broadcast
	CampaignID string `json:"campaignId,omitempty"`

	// welcome
	ConnectionID string `json:"connectionId,omitempty"`

	// welcome / subscribe-ack / unsubscribe-ack / ping: reconnect credential
	ReconnectToken string `json:"reconnectToken,omitempty"`

	// subscribe-ack / unsubscribe-ack: current channel set
	Channels []string `json:"channels,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// ping / message: server timestamp, unix milliseconds
	Timestamp int64 `json:"ts,omitempty"`
}

func marshalEnvelope(e envelope) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope fields are all marshalable types; this cannot fail at
		// runtime with well-formed payloads.
		return nil
	}
	return data
}
