// Package bus bridges the message bus into the gateway: application
// services publish campaign-wide notifications to NATS, and the bridge
// forwards them to every connected socket of the campaign.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aspired-future/startales-sub045/internal/logging"
)

// broadcastSubjectPrefix is the subject space the bridge listens on. The
// final token is the campaign id: gateway.broadcast.<campaignId>.
const broadcastSubjectPrefix = "gateway.broadcast."

// Broadcaster is the gateway operation the bridge drives.
type Broadcaster interface {
	ServerBroadcast(campaignID string, payload []byte) error
}

// Bridge owns the NATS connection and its subscription.
type Bridge struct {
	conn *nats.Conn
	sub  *nats.Subscription
	log  *logging.Logger
}

// Connect dials NATS and subscribes to the broadcast subject space.
func Connect(url string, gw Broadcaster, log *logging.Logger) (*Bridge, error) {
	b := &Bridge{log: log.Child(map[string]any{"component": "bus"})}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("nats disconnected", map[string]any{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(broadcastSubjectPrefix+"*", func(msg *nats.Msg) {
		campaignID, ok := campaignFromSubject(msg.Subject)
		if !ok {
			b.log.Warn("ignoring broadcast with malformed subject", map[string]any{
				"subject": msg.Subject,
			})
			return
		}
		if err := gw.ServerBroadcast(campaignID, msg.Data); err != nil {
			b.log.Warn("dropping broadcast, gateway unavailable", map[string]any{
				"campaignId": campaignID,
				"error":      err.Error(),
			})
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s*: %w", broadcastSubjectPrefix, err)
	}
	b.sub = sub

	b.log.Info("bus bridge connected", map[string]any{"url": url})
	return b, nil
}

// campaignFromSubject extracts the campaign id from a broadcast subject.
// Rejects subjects outside the prefix and multi-token campaign ids.
func campaignFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, broadcastSubjectPrefix) {
		return "", false
	}
	campaignID := strings.TrimPrefix(subject, broadcastSubjectPrefix)
	if campaignID == "" || strings.Contains(campaignID, ".") {
		return "", false
	}
	return campaignID, true
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
