// Package console implements the single-instance console HTTP surface:
// stats, browsing (commits/clients/events/operations), and operator
// actions (prune, compact, notify-data-change, API key management). It
// follows the same Echo-server-as-one-struct shape as internal/httpapi,
// wired separately so the console can run on its own listen address
// (config.ConsoleListenAddr) and, when configured, sit behind the
// Federation Gateway's aggregate routes.
package console

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/maintenance"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/storage"
	"github.com/syncular/syncular/internal/tablehandler"
)

// Server wraps the Echo instance and every dependency a console-route
// handler needs.
type Server struct {
	echo *echo.Echo

	ListenAddr   string
	Storage      storage.Gateway
	Handlers     *tablehandler.Registry
	Scheduler    *maintenance.Scheduler
	Registry     *realtime.Registry
	Authenticate authn.Authenticate
	Version      string
	Live         *LiveBroadcaster
}

func getPrincipal(c echo.Context) *authn.Principal {
	if p, ok := c.Get("principal").(*authn.Principal); ok {
		return p
	}
	return nil
}

// New builds a configured Echo server with every console route registered.
func New(s *Server) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s.echo = e
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/console/_health", s.handleHealth)

	g := s.echo.Group("/console", s.requireAdmin)

	g.GET("/stats", s.handleStats)
	g.GET("/stats/timeseries", s.handleStatsTimeseries)
	g.GET("/stats/latency", s.handleStatsLatency)
	g.GET("/commits", s.handleListCommits)
	g.GET("/commits/:seq", s.handleGetCommit)
	g.GET("/clients", s.handleListClients)
	g.GET("/handlers", s.handleListHandlers)
	g.GET("/timeline", s.handleTimeline)
	g.GET("/operations", s.handleListOperations)
	g.GET("/events", s.handleListEvents)
	g.GET("/events/:id", s.handleGetEvent)
	g.GET("/events/:id/payload", s.handleGetEventPayload)
	g.GET("/api-keys", s.handleListAPIKeys)
	g.GET("/api-keys/:id", s.handleGetAPIKey)
	g.GET("/events/live", s.handleEventsLive)

	g.POST("/prune", s.handlePrune)
	g.POST("/prune/preview", s.handlePrunePreview)
	g.POST("/compact", s.handleCompact)
	g.POST("/notify-data-change", s.handleNotifyDataChange)
	g.POST("/events/prune", s.handleEventsPrune)
	g.POST("/api-keys", s.handleCreateAPIKey)
	g.POST("/api-keys/:id/rotate", s.handleRotateAPIKey)
	g.POST("/api-keys/:id/rotate/stage", s.handleStageAPIKeyRotation)
	g.POST("/api-keys/bulk-revoke", s.handleBulkRevokeAPIKeys)

	g.DELETE("/clients/:id", s.handleDeleteClient)
	g.DELETE("/events", s.handleDeleteAllEvents)
	g.DELETE("/api-keys/:id", s.handleRevokeAPIKey)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
}

// requireAdmin resolves the caller and rejects anyone but an admin
// principal; every console route is an operator-only surface.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := s.Authenticate(c.Request().Context(), c.Request())
		if err != nil {
			return errorJSON(c, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication failed")
		}
		if !principal.IsAdmin {
			return errorJSON(c, http.StatusForbidden, "FORBIDDEN", "console access requires an admin key")
		}
		c.Set("principal", principal)
		return next(c)
	}
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{"error": code, "message": message})
}

// pageParams parses the ubiquitous offset/limit query params, capping
// limit so a single console page can't force an unbounded scan.
func pageParams(c echo.Context, defaultLimit, maxLimit int) (offset, limit int) {
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

func (s *Server) recordOperation(ctx context.Context, principal *authn.Principal, opType storage.OperationType, targetClientID string, requestPayload, resultPayload []byte) {
	ev := storage.OperationAuditEvent{
		OperationID:    newID(),
		OperationType:  opType,
		ConsoleUserID:  principal.ActorID,
		PartitionID:    principal.PartitionID,
		TargetClientID: targetClientID,
		RequestPayload: requestPayload,
		ResultPayload:  resultPayload,
		CreatedAt:      time.Now(),
	}
	if err := s.Storage.InsertOperationAuditEvent(ctx, ev); err != nil {
		logOperationAuditFailure(opType, err)
		return
	}
	s.Live.PublishOperation(ev)
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
