// Package auth resolves client identity for the realtime gateway and issues
// the short-lived reconnect tokens that let a dropped socket resume its
// channel membership.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved authentication result, immutable for the
// connection's lifetime.
type Identity struct {
	UserID     string `json:"userId"`
	CampaignID string `json:"campaignId"`
	SessionID  string `json:"sessionId"`
}

// ErrNoToken means the request carried no credential at all.
var ErrNoToken = errors.New("no token presented")

// Claims are the JWT claims the gateway accepts for a fresh connection.
type Claims struct {
	UserID     string `json:"userId"`
	CampaignID string `json:"campaignId"`
	SessionID  string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Authenticator verifies connection credentials. In dev mode identity is
// read straight from query parameters with no signature; otherwise a JWT
// signed with the shared secret is required.
type Authenticator struct {
	secret  []byte
	devAuth bool
	now     func() time.Time
}

// New creates an authenticator.
func New(secret string, devAuth bool) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		devAuth: devAuth,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Authenticate resolves the identity for an upgrade request. Dev mode reads
// user/campaign/session query parameters; JWT mode accepts ?token= or an
// Authorization: Bearer header.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a.devAuth {
		return a.devIdentity(r)
	}

	token, err := extractToken(r)
	if err != nil {
		return Identity{}, err
	}
	return a.Verify(token)
}

func (a *Authenticator) devIdentity(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	id := Identity{
		UserID:     q.Get("user"),
		CampaignID: q.Get("campaign"),
		SessionID:  q.Get("session"),
	}
	if id.UserID == "" || id.CampaignID == "" {
		return Identity{}, errors.New("dev auth requires user and campaign query parameters")
	}
	return id, nil
}

// Verify validates a JWT and returns the identity it carries.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc,
		jwt.WithTimeFunc(a.now))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token claims")
	}
	if claims.UserID == "" || claims.CampaignID == "" {
		return Identity{}, errors.New("token missing userId or campaignId")
	}
	return Identity{
		UserID:     claims.UserID,
		CampaignID: claims.CampaignID,
		SessionID:  claims.SessionID,
	}, nil
}

// Generate creates a signed access token, mainly used by tests and the dev
// tooling around the gateway.
func (a *Authenticator) Generate(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:     id.UserID,
		CampaignID: id.CampaignID,
		SessionID:  id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(a.now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(a.now()),
			Issuer:    "realtime-gateway",
			Subject:   id.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return a.secret, nil
}

// extractToken looks for a credential in the token query parameter first
// (browsers cannot set headers on WebSocket connects), then the
// Authorization header.
func extractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimPrefix(header, prefix), nil
}
