package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/syncular/syncular/internal/storage"
)

// ErrKeyRevokedOrExpired is returned when a key hashes correctly but is
// no longer usable.
var ErrKeyRevokedOrExpired = errors.New("authn: api key revoked or expired")

// GenerateAPIKeySecret returns a random 32-byte hex secret and its
// 8-character prefix, used for display ("3f9a1c2b...") without ever
// storing the full secret.
func GenerateAPIKeySecret() (secret, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("authn: generate api key: %w", err)
	}
	secret = hex.EncodeToString(b)
	prefix = secret[:8]
	return secret, prefix, nil
}

// HashAPIKeySecret returns the SHA-256 hex digest stored in place of
// the plaintext secret.
func HashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuthenticator resolves Bearer tokens against the API key table.
// It is the reference Authenticate implementation for relay/proxy/admin
// callers (the Federation Gateway's downstream credentials, and the
// console's own API keys).
type APIKeyAuthenticator struct {
	storage storage.Gateway
}

// NewAPIKeyAuthenticator builds an authenticator backed by storage.
func NewAPIKeyAuthenticator(s storage.Gateway) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{storage: s}
}

// Authenticate implements the Authenticate func type.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	token := ExtractBearer(r)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	return a.AuthenticateToken(ctx, token)
}

// AuthenticateToken resolves a bare bearer token string, independent of
// the HTTP request shape (used by the WebSocket "auth" message path).
func (a *APIKeyAuthenticator) AuthenticateToken(ctx context.Context, token string) (*Principal, error) {
	hash := HashAPIKeySecret(token)
	key, err := a.storage.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrUnauthenticated)
	}
	if key.Staged {
		return nil, ErrUnauthenticated
	}
	now := time.Now()
	if key.RevokedAt != nil && !key.RevokedAt.After(now) {
		return nil, ErrKeyRevokedOrExpired
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, ErrKeyRevokedOrExpired
	}

	go a.touch(key.KeyID)

	partitionID := key.PartitionID
	if partitionID == "" {
		partitionID = "default"
	}

	return &Principal{
		ActorID:     key.ActorID,
		PartitionID: partitionID,
		IsAdmin:     key.KeyType == storage.APIKeyAdmin,
		KeyType:     string(key.KeyType),
		ScopeKeys:   key.ScopeKeys,
	}, nil
}

// touch records last_used_at in the background so the hot auth path
// never waits on a write.
func (a *APIKeyAuthenticator) touch(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.storage.TouchAPIKey(ctx, keyID, time.Now())
}

// ExtractBearer extracts the token from an "Authorization: Bearer ..."
// header.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
