package console

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

func (s *Server) handleListCommits(c echo.Context) error {
	principal := getPrincipal(c)
	offset, limit := pageParams(c, 50, 500)
	commits, total, err := s.Storage.ListCommits(c.Request().Context(), principal.PartitionID, offset, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list commits")
	}
	return c.JSON(http.StatusOK, map[string]any{"commits": commits, "total": total})
}

func (s *Server) handleGetCommit(c echo.Context) error {
	principal := getPrincipal(c)
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "seq must be an integer")
	}
	commit, err := s.Storage.GetCommit(c.Request().Context(), principal.PartitionID, seq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "commit not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load commit")
	}
	changes, err := s.Storage.ListChangesForCommit(c.Request().Context(), principal.PartitionID, seq)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load commit changes")
	}
	return c.JSON(http.StatusOK, map[string]any{"commit": commit, "changes": changes})
}

func (s *Server) handleListClients(c echo.Context) error {
	principal := getPrincipal(c)
	offset, limit := pageParams(c, 50, 500)
	clients, total, err := s.Storage.ListClientCursors(c.Request().Context(), principal.PartitionID, offset, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list clients")
	}
	return c.JSON(http.StatusOK, map[string]any{"clients": clients, "total": total})
}

func (s *Server) handleListHandlers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tables": s.Handlers.Tables()})
}

// timelineItem is one entry in the merged commit+operation feed; it
// mirrors the federated-id shaped view the gateway produces for the
// same endpoint across instances, minus the instanceId prefixing.
type timelineItem struct {
	Kind      string    `json:"kind"` // commit, operation
	LocalID   string    `json:"localId"`
	Timestamp time.Time `json:"timestamp"`
	Detail    any       `json:"detail"`
}

func (s *Server) handleTimeline(c echo.Context) error {
	principal := getPrincipal(c)
	offset, limit := pageParams(c, 50, 200)
	ctx := c.Request().Context()

	commits, commitTotal, err := s.Storage.ListCommits(ctx, principal.PartitionID, 0, offset+limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list commits")
	}
	ops, opTotal, err := s.Storage.ListOperationAuditEvents(ctx, principal.PartitionID, 0, offset+limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list operations")
	}

	items := make([]timelineItem, 0, len(commits)+len(ops))
	for _, commit := range commits {
		items = append(items, timelineItem{
			Kind:      "commit",
			LocalID:   strconv.FormatInt(commit.CommitSeq, 10),
			Timestamp: commit.CreatedAt,
			Detail:    commit,
		})
	}
	for _, op := range ops {
		items = append(items, timelineItem{
			Kind:      "operation",
			LocalID:   op.OperationID,
			Timestamp: op.CreatedAt,
			Detail:    op,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].LocalID > items[j].LocalID
	})

	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page := items[minInt(offset, len(items)):end]

	return c.JSON(http.StatusOK, map[string]any{"items": page, "total": commitTotal + opTotal})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Server) handleListOperations(c echo.Context) error {
	principal := getPrincipal(c)
	offset, limit := pageParams(c, 50, 500)
	ops, total, err := s.Storage.ListOperationAuditEvents(c.Request().Context(), principal.PartitionID, offset, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list operations")
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": ops, "total": total})
}

func (s *Server) handleListEvents(c echo.Context) error {
	principal := getPrincipal(c)
	offset, limit := pageParams(c, 50, 500)
	events, total, err := s.Storage.ListRequestEvents(c.Request().Context(), principal.PartitionID, offset, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to list events")
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events, "total": total})
}

func (s *Server) handleGetEvent(c echo.Context) error {
	principal := getPrincipal(c)
	ev, err := s.Storage.GetRequestEvent(c.Request().Context(), principal.PartitionID, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "event not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load event")
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleGetEventPayload(c echo.Context) error {
	principal := getPrincipal(c)
	ctx := c.Request().Context()
	ev, err := s.Storage.GetRequestEvent(ctx, principal.PartitionID, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "event not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load event")
	}
	if ev.PayloadRef == "" {
		return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "event has no retained payload")
	}
	snap, err := s.Storage.GetPayloadSnapshot(ctx, principal.PartitionID, ev.PayloadRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "NOT_FOUND", "payload snapshot not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load payload snapshot")
	}
	return c.JSON(http.StatusOK, snap)
}
