package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// event is a message posted to the gateway run loop. The closed set of
// implementations below is the only way loop-owned state is reached from
// other goroutines.
type event interface{ loopEvent() }

// evFrame carries one inbound WebSocket frame from a read pump.
type evFrame struct {
	c    *conn
	data []byte
}

// evDisconnect asks the loop to tear a connection down with a close code.
type evDisconnect struct {
	c    *conn
	code closeCode
}

// evServerBroadcast delivers an out-of-band notification to every socket of
// a campaign.
type evServerBroadcast struct {
	campaignID string
	payload    json.RawMessage
}

// evQuery runs fn on the loop; done is closed when it completes. Admin
// accessors use this to read copied snapshots.
type evQuery struct {
	fn   func()
	done chan struct{}
}

func (evFrame) loopEvent()           {}
func (evDisconnect) loopEvent()      {}
func (evServerBroadcast) loopEvent() {}
func (evQuery) loopEvent()           {}

func newConnectionID() string {
	return uuid.NewString()
}
