// Package ratelimit implements the per-(principal, route-class)
// sliding counter the HTTP layer enforces ahead of the Commit Ingestor
// and Pull Planner. Each key gets its own golang.org/x/time/rate
// limiter, built lazily and kept in a map the way the rest of the
// sync core keeps small, mutex-guarded process-wide registries.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RouteClass distinguishes the push/pull combined endpoint from
// lighter-weight console/federation traffic, each with its own quota.
type RouteClass string

const (
	RouteSync    RouteClass = "sync"
	RouteConsole RouteClass = "console"
)

// Config holds one route class's limit, expressed as a steady-state
// rate and a burst allowance.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfigs returns the built-in per-route-class limits.
func DefaultConfigs() map[RouteClass]Config {
	return map[RouteClass]Config{
		RouteSync:    {RequestsPerSecond: 20, Burst: 40},
		RouteConsole: {RequestsPerSecond: 5, Burst: 10},
	}
}

// Limiter enforces Config per (principal, route-class) key.
type Limiter struct {
	mu       sync.Mutex
	configs  map[RouteClass]Config
	limiters map[string]*rate.Limiter
}

// New builds a Limiter. A nil configs map uses DefaultConfigs.
func New(configs map[RouteClass]Config) *Limiter {
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Limiter{
		configs:  configs,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Result reports the outcome of an Allow check, carrying enough
// detail to populate Retry-After and X-RateLimit-* response headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Allow checks and consumes one token for principalID under class.
func (l *Limiter) Allow(principalID string, class RouteClass) Result {
	cfg, ok := l.configs[class]
	if !ok {
		return Result{Allowed: true}
	}

	limiter := l.limiterFor(principalID, class, cfg)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return Result{Allowed: false, Limit: cfg.Burst}
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Result{Allowed: false, Limit: cfg.Burst, RetryAfter: delay}
	}
	return Result{Allowed: true, Limit: cfg.Burst, Remaining: int(limiter.Tokens())}
}

func (l *Limiter) limiterFor(principalID string, class RouteClass, cfg Config) *rate.Limiter {
	key := string(class) + ":" + principalID
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		l.limiters[key] = lim
	}
	return lim
}
