// Package gateway's server.go adds the Federation Gateway's HTTP
// surface on top of the fetch/merge helpers in gateway.go, stats.go
// and liveevents.go: the same Echo-server-as-one-struct shape
// internal/httpapi and internal/console use, proxying or aggregating
// every console route across the configured instance set.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/syncular/syncular/internal/authn"
)

// Server wraps the Echo instance and the Gateway it fans requests out
// through.
type Server struct {
	echo *echo.Echo

	ListenAddr   string
	Gateway      *Gateway
	Authenticate authn.Authenticate
	Version      string
}

func getPrincipal(c echo.Context) *authn.Principal {
	if p, ok := c.Get("principal").(*authn.Principal); ok {
		return p
	}
	return nil
}

// NewServer builds a configured Echo server with every gateway route
// registered.
func NewServer(s *Server) *Server {
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

	g.GET("/instances", s.handleInstances)
	g.GET("/instances/health", s.handleInstancesHealth)
	g.GET("/events/live", s.handleEventsLive)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
}

// requireAdmin resolves the caller and rejects anyone but an admin
// principal, the same gate the console applies to its own routes.
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

// gatewayError renders a *Error (from SelectInstances/RequireSingle/
// Outcome/ResolveFederatedID) as the coded JSON envelope every other
// handler uses.
func gatewayError(c echo.Context, err error) error {
	if gerr, ok := err.(*Error); ok {
		return errorJSON(c, gerr.HTTPStatus, gerr.Code, gerr.Message)
	}
	return errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
}

// selectInstances resolves the instanceId/instanceIds query filter for
// an aggregating (multi-instance) read.
func (s *Server) selectInstances(c echo.Context) ([]*Client, error) {
	return s.Gateway.SelectInstances(c.QueryParam("instanceId"), c.QueryParam("instanceIds"))
}

// singleInstance resolves the instanceId/instanceIds query filter and
// further requires it to name exactly one enabled instance, the
// contract every mutating or inherently single-instance route needs.
func (s *Server) singleInstance(c echo.Context) (*Client, error) {
	clients, err := s.selectInstances(c)
	if err != nil {
		return nil, err
	}
	return RequireSingle(clients)
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("federation gateway listening on %s", s.ListenAddr)
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
