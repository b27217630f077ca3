package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

// handleSnapshotChunk serves a previously generated bootstrap page by
// content-addressed id. Chunks are immutable, so a strong ETag plus
// If-None-Match short-circuits re-downloads.
func (s *Server) handleSnapshotChunk(c echo.Context) error {
	principal := getPrincipal(c)
	chunkID := c.Param("chunkId")

	chunk, err := s.Storage.GetSnapshotChunk(c.Request().Context(), principal.PartitionID, chunkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "snapshot chunk not found or expired")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load snapshot chunk")
	}

	etag := fmt.Sprintf("%q", "sha256:"+chunk.SHA256)
	c.Response().Header().Set("ETag", etag)
	c.Response().Header().Set("X-Sync-Chunk-Id", chunk.ChunkID)
	c.Response().Header().Set("X-Sync-Sha256", chunk.SHA256)
	c.Response().Header().Set("X-Sync-Encoding", chunk.Encoding)
	c.Response().Header().Set("X-Sync-Compression", chunk.Compression)

	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag {
		return c.NoContent(http.StatusNotModified)
	}

	if chunk.Compression == "gzip" {
		c.Response().Header().Set("Content-Encoding", "gzip")
	}
	return c.Stream(http.StatusOK, "application/octet-stream", bytes.NewReader(chunk.Body))
}
