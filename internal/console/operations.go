package console

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

type pruneRequest struct {
	DryRun *bool `json:"dryRun"`
}

type pruneResponse struct {
	WatermarkCommitSeq int64 `json:"watermarkCommitSeq"`
	CommitsToDelete     int  `json:"commitsToDelete"`
	DryRun              bool `json:"dryRun"`
}

func (s *Server) handlePrunePreview(c echo.Context) error {
	principal := getPrincipal(c)
	result, err := s.Scheduler.PrunePreview(c.Request().Context(), principal.PartitionID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "prune preview failed")
	}
	resp := pruneResponse{WatermarkCommitSeq: result.WatermarkCommitSeq, CommitsToDelete: result.CommitsToDelete, DryRun: result.DryRun}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypePrune, "", nil, mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePrune(c echo.Context) error {
	principal := getPrincipal(c)
	result, err := s.Scheduler.PruneNow(c.Request().Context(), principal.PartitionID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "prune failed")
	}
	resp := pruneResponse{WatermarkCommitSeq: result.WatermarkCommitSeq, CommitsToDelete: result.CommitsToDelete, DryRun: result.DryRun}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypePrune, "", nil, mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCompact(c echo.Context) error {
	principal := getPrincipal(c)
	result, err := s.Scheduler.CompactNow(c.Request().Context(), principal.PartitionID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "compact failed")
	}
	resp := map[string]any{"changesDeleted": result.ChangesDeleted}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypeCompact, "", nil, mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

type notifyDataChangeRequest struct {
	Tables      []string `json:"tables"`
	PartitionID string   `json:"partitionId"`
}

// handleNotifyDataChange lets an out-of-band pipeline writer advance
// commit_seq for a set of tables with no operations and wakes every
// connected client so it pulls fresh data. Snapshot chunks already
// built are not touched; they stay servable until they expire.
func (s *Server) handleNotifyDataChange(c echo.Context) error {
	principal := getPrincipal(c)
	var req notifyDataChangeRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
	}
	if len(req.Tables) == 0 {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "tables must be non-empty")
	}
	partitionID := req.PartitionID
	if partitionID == "" {
		partitionID = principal.PartitionID
	}

	ctx := c.Request().Context()
	txn, err := s.Storage.BeginSerializable(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to open transaction")
	}
	commit, _, err := txn.InsertCommit(ctx, storage.CommitWrite{
		PartitionID:            partitionID,
		ActorID:                principal.ActorID,
		ClientID:               "console:" + principal.ActorID,
		ClientCommitID:         newID(),
		AffectedTablesOverride: req.Tables,
	})
	if err != nil {
		_ = txn.Rollback(ctx)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to record data-change commit")
	}
	if err := txn.Commit(ctx); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to commit data-change record")
	}

	s.Registry.NotifyAllClients(ctx, commit.CommitSeq)

	resp := map[string]any{"commitSeq": commit.CommitSeq, "tables": req.Tables}
	s.recordOperation(ctx, principal, storage.OpTypeNotifyDataChange, "", mustJSON(req), mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEventsPrune(c echo.Context) error {
	principal := getPrincipal(c)
	ctx := c.Request().Context()
	reqDeleted, err := s.Storage.DeleteOldRequestEvents(ctx, principal.PartitionID, s.Scheduler.Config.RequestEventsMaxAge, s.Scheduler.Config.RequestEventsMaxRows)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "event prune failed")
	}
	opDeleted, err := s.Storage.DeleteOldOperationEvents(ctx, principal.PartitionID, s.Scheduler.Config.OperationEventsMaxAge, s.Scheduler.Config.OperationEventsMaxRows)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "event prune failed")
	}
	if _, err := s.Storage.DeleteUnreferencedPayloadSnapshots(ctx, principal.PartitionID); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "event prune failed")
	}
	resp := map[string]any{"requestEventsDeleted": reqDeleted, "operationEventsDeleted": opDeleted}
	s.recordOperation(ctx, principal, storage.OpTypePrune, "", nil, mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteClient(c echo.Context) error {
	principal := getPrincipal(c)
	clientID := c.Param("id")
	if err := s.Storage.DeleteClient(c.Request().Context(), principal.PartitionID, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "client not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to delete client")
	}
	s.recordOperation(c.Request().Context(), principal, storage.OpTypeEvictClient, clientID, nil, nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteAllEvents(c echo.Context) error {
	principal := getPrincipal(c)
	ctx := c.Request().Context()
	deleted, err := s.Storage.DeleteOldRequestEvents(ctx, principal.PartitionID, 0, 0)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to delete events")
	}
	resp := map[string]any{"deleted": deleted}
	s.recordOperation(ctx, principal, storage.OpTypePrune, "", nil, mustJSON(resp))
	return c.JSON(http.StatusOK, resp)
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
