package ratelimit_test

import (
	"testing"

	"github.com/syncular/syncular/internal/ratelimit"
)

func TestAllowPermitsWithinBurst(t *testing.T) {
	lim := ratelimit.New(map[ratelimit.RouteClass]ratelimit.Config{
		ratelimit.RouteSync: {RequestsPerSecond: 1, Burst: 3},
	})
	for i := 0; i < 3; i++ {
		if res := lim.Allow("client-1", ratelimit.RouteSync); !res.Allowed {
			t.Fatalf("request %d should be allowed within burst, got denied", i)
		}
	}
}

func TestAllowRejectsOverBurst(t *testing.T) {
	lim := ratelimit.New(map[ratelimit.RouteClass]ratelimit.Config{
		ratelimit.RouteSync: {RequestsPerSecond: 0.001, Burst: 1},
	})
	if res := lim.Allow("client-1", ratelimit.RouteSync); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	res := lim.Allow("client-1", ratelimit.RouteSync)
	if res.Allowed {
		t.Fatal("second request should be rejected once burst is exhausted")
	}
	if res.RetryAfter <= 0 {
		t.Fatal("expected a positive RetryAfter on rejection")
	}
}

func TestAllowIsolatesPrincipals(t *testing.T) {
	lim := ratelimit.New(map[ratelimit.RouteClass]ratelimit.Config{
		ratelimit.RouteSync: {RequestsPerSecond: 0.001, Burst: 1},
	})
	if res := lim.Allow("client-1", ratelimit.RouteSync); !res.Allowed {
		t.Fatal("client-1 first request should be allowed")
	}
	if res := lim.Allow("client-2", ratelimit.RouteSync); !res.Allowed {
		t.Fatal("client-2 should have its own independent quota")
	}
}

func TestAllowUnknownClassIsUnthrottled(t *testing.T) {
	lim := ratelimit.New(map[ratelimit.RouteClass]ratelimit.Config{})
	for i := 0; i < 100; i++ {
		if res := lim.Allow("client-1", ratelimit.RouteSync); !res.Allowed {
			t.Fatal("unconfigured route class should never throttle")
		}
	}
}
