package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// handleInstancesHealth probes every selected instance's /stats
// endpoint independently, recording response time and never failing
// the overall request even if every instance is down.
func (s *Server) handleInstancesHealth(c echo.Context) error {
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}

	results := make([]instanceHealth, len(clients))
	var wg sync.WaitGroup
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *Client) {
			defer wg.Done()
			start := time.Now()
			status, _, err := cl.Get(c.Request().Context(), "/console/stats")
			elapsed := time.Since(start)
			h := instanceHealth{
				InstanceID:     cl.Instance.InstanceID,
				ResponseTimeMs: elapsed.Milliseconds(),
				CheckedAt:      time.Now().UTC().Format(time.RFC3339),
			}
			switch {
			case err != nil:
				h.Error = err.Error()
			case status < 200 || status >= 300:
				h.Error = http.StatusText(status)
			default:
				h.Healthy = true
			}
			results[i] = h
		}(i, cl)
	}
	wg.Wait()

	return c.JSON(http.StatusOK, map[string]any{"instances": results})
}
