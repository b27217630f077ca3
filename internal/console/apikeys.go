package console

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/storage"
)

func (s *Server) handleListAPIKeys(c echo.Context) error {
	keys, err := s.Storage.ListAPIKeys(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list api keys")
	}
	return c.JSON(http.StatusOK, map[string]any{"apiKeys": keys})
}

func (s *Server) handleGetAPIKey(c echo.Context) error {
	key, err := s.Storage.GetAPIKey(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "api key not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load api key")
	}
	return c.JSON(http.StatusOK, key)
}

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	KeyType     string     `json:"keyType"`
	PartitionID string     `json:"partitionId"`
	ScopeKeys   []string   `json:"scopeKeys"`
	ActorID     string     `json:"actorId"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type createAPIKeyResponse struct {
	APIKey storage.APIKey `json:"apiKey"`
	Secret string         `json:"secret"`
}

func (s *Server) handleCreateAPIKey(c echo.Context) error {
	principal := getPrincipal(c)
	var req createAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
	}
	if req.Name == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
	}
	keyType := storage.APIKeyType(req.KeyType)
	switch keyType {
	case storage.APIKeyRelay, storage.APIKeyProxy, storage.APIKeyAdmin:
	default:
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "keyType must be one of relay, proxy, admin")
	}
	partitionID := req.PartitionID
	if partitionID == "" {
		partitionID = principal.PartitionID
	}

	secret, prefix, err := authn.GenerateAPIKeySecret()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to generate api key")
	}
	key := storage.APIKey{
		KeyID:       newID(),
		KeyHash:     authn.HashAPIKeySecret(secret),
		KeyPrefix:   prefix,
		Name:        req.Name,
		KeyType:     keyType,
		PartitionID: partitionID,
		ScopeKeys:   req.ScopeKeys,
		ActorID:     req.ActorID,
		CreatedAt:   time.Now(),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := s.Storage.CreateAPIKey(c.Request().Context(), key); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to create api key")
	}

	resp := createAPIKeyResponse{APIKey: key, Secret: secret}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypeAPIKeyManage, "", mustJSON(req), mustJSON(resp.APIKey))
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleRevokeAPIKey(c echo.Context) error {
	principal := getPrincipal(c)
	keyID := c.Param("id")
	if err := s.Storage.RevokeAPIKey(c.Request().Context(), keyID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "api key not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to revoke api key")
	}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypeAPIKeyManage, keyID, nil, nil)
	return c.NoContent(http.StatusNoContent)
}

// handleRotateAPIKey revokes the named key and mints a fresh secret under
// a brand new key id, preserving name/type/partition/scopes/actor. The
// caller swaps to the new secret immediately; there is no overlap
// window. It does not promote a key created by rotate/stage.
func (s *Server) handleRotateAPIKey(c echo.Context) error {
	principal := getPrincipal(c)
	ctx := c.Request().Context()
	old, err := s.Storage.GetAPIKey(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "api key not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load api key")
	}

	secret, prefix, err := authn.GenerateAPIKeySecret()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to generate api key")
	}
	newKey := storage.APIKey{
		KeyID:       newID(),
		KeyHash:     authn.HashAPIKeySecret(secret),
		KeyPrefix:   prefix,
		Name:        old.Name,
		KeyType:     old.KeyType,
		PartitionID: old.PartitionID,
		ScopeKeys:   old.ScopeKeys,
		ActorID:     old.ActorID,
		CreatedAt:   time.Now(),
		ExpiresAt:   old.ExpiresAt,
	}
	if err := s.Storage.CreateAPIKey(ctx, newKey); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to create rotated api key")
	}
	if err := s.Storage.RevokeAPIKey(ctx, old.KeyID, time.Now()); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to revoke previous api key")
	}

	resp := createAPIKeyResponse{APIKey: newKey, Secret: secret}
	s.recordOperation(ctx, principal, storage.OpTypeAPIKeyManage, old.KeyID, nil, mustJSON(newKey))
	return c.JSON(http.StatusOK, resp)
}

// handleStageAPIKeyRotation mints a replacement key marked Staged so it
// exists but cannot authenticate (see authn.APIKeyAuthenticator, which
// rejects staged keys outright); the old key stays active. No console
// route clears the Staged flag afterwards.
func (s *Server) handleStageAPIKeyRotation(c echo.Context) error {
	principal := getPrincipal(c)
	ctx := c.Request().Context()
	old, err := s.Storage.GetAPIKey(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "api key not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load api key")
	}

	secret, prefix, err := authn.GenerateAPIKeySecret()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to generate api key")
	}
	staged := storage.APIKey{
		KeyID:       newID(),
		KeyHash:     authn.HashAPIKeySecret(secret),
		KeyPrefix:   prefix,
		Name:        old.Name,
		KeyType:     old.KeyType,
		PartitionID: old.PartitionID,
		ScopeKeys:   old.ScopeKeys,
		ActorID:     old.ActorID,
		CreatedAt:   time.Now(),
		ExpiresAt:   old.ExpiresAt,
		Staged:      true,
	}
	if err := s.Storage.CreateAPIKey(ctx, staged); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to stage api key")
	}

	resp := createAPIKeyResponse{APIKey: staged, Secret: secret}
	s.recordOperation(ctx, principal, storage.OpTypeAPIKeyManage, old.KeyID, nil, mustJSON(staged))
	return c.JSON(http.StatusOK, resp)
}

type bulkRevokeAPIKeysRequest struct {
	KeyIDs []string `json:"keyIds"`
}

func (s *Server) handleBulkRevokeAPIKeys(c echo.Context) error {
	principal := getPrincipal(c)
	var req bulkRevokeAPIKeysRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
	}
	ctx := c.Request().Context()
	now := time.Now()
	revoked := make([]string, 0, len(req.KeyIDs))
	for _, id := range req.KeyIDs {
		if err := s.Storage.RevokeAPIKey(ctx, id, now); err != nil {
			continue
		}
		revoked = append(revoked, id)
	}
	resp := map[string]any{"revoked": revoked}
	s.recordOperation(ctx, principal, storage.OpTypeAPIKeyManage, "", mustJSON(req), mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}
