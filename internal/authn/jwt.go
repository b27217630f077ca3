package authn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Fixed session token scope; kept generic since Syncular has no
// per-collection scoping concept at the token level.
const sessionScope = "syncular.session"

// SessionTTL is the lifetime of a minted session token.
const SessionTTL = 12 * time.Hour

// sessionClaims extends the standard JWT claims with a fixed scope
// string.
type sessionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// JWTSessionMinter signs and validates HS256 session tokens. It exists
// so the Federation Gateway can mint a short-lived bearer for a
// downstream instance when that instance's configured token is itself
// a shared signing secret rather than a static API key, and so tests
// and local deployments have a default Authenticate implementation
// without wiring a full API-key table.
type JWTSessionMinter struct {
	secret []byte
	issuer string
}

// NewJWTSessionMinter creates a minter with the given HMAC secret and issuer.
func NewJWTSessionMinter(secret, issuer string) *JWTSessionMinter {
	return &JWTSessionMinter{secret: []byte(secret), issuer: issuer}
}

// GenerateSecret returns a random 32-byte hex string for use as an HMAC secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Mint creates a signed session token for actorID.
func (m *JWTSessionMinter) Mint(actorID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
		Scope: sessionScope,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("authn: sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a session token, returning the actor id.
func (m *JWTSessionMinter) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authn: invalid session token: %w", err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("authn: invalid session claims")
	}
	if claims.Scope != sessionScope {
		return "", fmt.Errorf("authn: wrong scope: %q", claims.Scope)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("authn: missing subject")
	}
	return claims.Subject, nil
}
