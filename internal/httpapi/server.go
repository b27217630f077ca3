// Package httpapi wires the sync service's HTTP and WebSocket surface
// on top of Echo v4: one Server struct holding every dependency, a
// requireAuth middleware storing the caller's Principal on the Echo
// context under "principal", and JSON error
// envelopes of the form {"error": code, "message": msg}.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/syncular/syncular/internal/authn"
	"github.com/syncular/syncular/internal/events"
	"github.com/syncular/syncular/internal/ingest"
	"github.com/syncular/syncular/internal/pull"
	"github.com/syncular/syncular/internal/ratelimit"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/storage"
)

// Server wraps the Echo instance and every dependency a sync-route
// handler needs.
type Server struct {
	echo *echo.Echo

	ListenAddr string
	Storage    storage.Gateway
	Ingestor   *ingest.Ingestor
	Planner    *pull.Planner
	Registry   *realtime.Registry
	Recorder   *events.Recorder
	RateLimit  *ratelimit.Limiter
	Authenticate authn.Authenticate

	UnauthenticatedGrace time.Duration
	HeartbeatInterval    time.Duration
}

func getPrincipal(c echo.Context) *authn.Principal {
	if p, ok := c.Get("principal").(*authn.Principal); ok {
		return p
	}
	return nil
}

// New builds a configured Echo server with every sync route registered.
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
	s.echo.GET("/sync/_health", s.handleHealth)
	s.echo.POST("/sync", s.requireAuth(s.rateLimited(ratelimit.RouteSync, s.handleSync)))
	s.echo.GET("/sync/snapshot-chunks/:chunkId", s.requireAuth(s.handleSnapshotChunk))
	s.echo.GET("/sync/realtime", s.handleRealtime)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth resolves the caller's Principal via the configured
// Authenticate function and stores it on the Echo context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := s.Authenticate(c.Request().Context(), c.Request())
		if err != nil {
			return errorJSON(c, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication failed")
		}
		c.Set("principal", principal)
		return next(c)
	}
}

// rateLimited enforces the per-(principal, route-class) quota ahead
// of a handler, setting Retry-After and X-RateLimit-* on rejection.
func (s *Server) rateLimited(class ratelimit.RouteClass, next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.RateLimit == nil {
			return next(c)
		}
		principal := getPrincipal(c)
		key := "anonymous"
		if principal != nil {
			key = principal.ActorID
		}
		result := s.RateLimit.Allow(key, class)
		c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			return errorJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		}
		return next(c)
	}
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{"error": code, "message": message})
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("sync service listening on %s", s.ListenAddr)
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
