package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ChannelGrant records one channel membership inside a reconnect token, with
// the original join time so presence is refreshed rather than reset on
// resume.
type ChannelGrant struct {
	ChannelID string `json:"channelId"`
	JoinedAt  int64  `json:"joinedAt"` // unix milliseconds
}

// ReconnectState is what a reconnect token restores: the prior identity and
// channel set of a disconnected connection.
type ReconnectState struct {
	Identity Identity
	Channels []ChannelGrant
}

type reconnectClaims struct {
	UserID     string         `json:"userId"`
	CampaignID string         `json:"campaignId"`
	SessionID  string         `json:"sessionId"`
	Channels   []ChannelGrant `json:"channels"`
	jwt.RegisteredClaims
}

// ErrReconnectExpired distinguishes an expired token from a malformed one;
// both fall back to fresh authentication, but they are counted separately.
var ErrReconnectExpired = errors.New("reconnect token expired")

// IssueReconnectToken signs a token that restores state for ttl after
// disconnection. Expiry is checked on presentation, not actively swept.
func (a *Authenticator) IssueReconnectToken(state ReconnectState, ttl time.Duration) (string, error) {
	claims := &reconnectClaims{
		UserID:     state.Identity.UserID,
		CampaignID: state.Identity.CampaignID,
		SessionID:  state.Identity.SessionID,
		Channels:   state.Channels,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(a.now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(a.now()),
			Issuer:    "realtime-gateway",
			Subject:   state.Identity.UserID,
			Audience:  jwt.ClaimStrings{"reconnect"},
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyReconnectToken validates a presented token and returns the state it
// restores. Expired tokens return ErrReconnectExpired.
func (a *Authenticator) VerifyReconnectToken(tokenString string) (ReconnectState, error) {
	claims := &reconnectClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc,
		jwt.WithTimeFunc(a.now),
		jwt.WithAudience("reconnect"))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ReconnectState{}, ErrReconnectExpired
		}
		return ReconnectState{}, fmt.Errorf("invalid reconnect token: %w", err)
	}
	if !token.Valid {
		return ReconnectState{}, errors.New("invalid reconnect token claims")
	}
	return ReconnectState{
		Identity: Identity{
			UserID:     claims.UserID,
			CampaignID: claims.CampaignID,
			SessionID:  claims.SessionID,
		},
		Channels: claims.Channels,
	}, nil
}
