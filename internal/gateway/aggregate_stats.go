package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/storage"
)

// handleStats fans GET /stats out to every selected instance and
// merges the counters.
func (s *Server) handleStats(c echo.Context) error {
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}
	results := FanOut(c.Request().Context(), clients, func(ctx context.Context, cl *Client) (int, json.RawMessage, error) {
		return cl.Get(ctx, "/console/stats")
	})
	bodies, _, failed := Split(results)

	byInstance := make(map[string]storage.Stats, len(bodies))
	for instanceID, body := range bodies {
		var stats storage.Stats
		if err := json.Unmarshal(body, &stats); err != nil {
			failed = append(failed, FailedInstance{InstanceID: instanceID, Reason: "invalid stats response"})
			continue
		}
		byInstance[instanceID] = stats
	}

	status, partial, err := Outcome(len(byInstance), len(clients))
	if err != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	merged, err := json.Marshal(MergeStats(byInstance))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to encode merged stats")
	}
	return c.JSONBlob(status, augmentJSON(merged, map[string]any{"partial": partial, "failedInstances": failed}))
}

type timeseriesResponse struct {
	Buckets []TimeseriesBucket `json:"buckets"`
}

func (s *Server) handleStatsTimeseries(c echo.Context) error {
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}
	results := FanOut(c.Request().Context(), clients, func(ctx context.Context, cl *Client) (int, json.RawMessage, error) {
		return cl.Get(ctx, "/console/stats/timeseries")
	})
	bodies, order, failed := Split(results)

	byTimestamp := make(map[string][]instanceBucket)
	for _, instanceID := range order {
		var resp timeseriesResponse
		if err := json.Unmarshal(bodies[instanceID], &resp); err != nil {
			failed = append(failed, FailedInstance{InstanceID: instanceID, Reason: "invalid timeseries response"})
			continue
		}
		for _, b := range resp.Buckets {
			byTimestamp[b.Timestamp] = append(byTimestamp[b.Timestamp], instanceBucket{
				PushCount:    b.PushCount,
				PullCount:    b.PullCount,
				AvgLatencyMs: b.AvgLatencyMs,
			})
		}
	}

	status, partial, err := Outcome(len(order), len(clients))
	if err != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	merged := MergeTimeseries(byTimestamp)
	return c.JSON(status, map[string]any{"buckets": merged, "partial": partial, "failedInstances": failed})
}

func (s *Server) handleStatsLatency(c echo.Context) error {
	clients, err := s.selectInstances(c)
	if err != nil {
		return gatewayError(c, err)
	}
	results := FanOut(c.Request().Context(), clients, func(ctx context.Context, cl *Client) (int, json.RawMessage, error) {
		return cl.Get(ctx, "/console/stats/latency")
	})
	bodies, order, failed := Split(results)

	perInstance := make([]LatencyPercentiles, 0, len(order))
	for _, instanceID := range order {
		var p LatencyPercentiles
		if err := json.Unmarshal(bodies[instanceID], &p); err != nil {
			failed = append(failed, FailedInstance{InstanceID: instanceID, Reason: "invalid latency response"})
			continue
		}
		perInstance = append(perInstance, p)
	}

	status, partial, err := Outcome(len(perInstance), len(clients))
	if err != nil {
		return errorJSON(c, status, "DOWNSTREAM_UNAVAILABLE", err.Error())
	}
	merged := MergeLatency(perInstance)
	return c.JSON(status, map[string]any{"latency": merged, "partial": partial, "failedInstances": failed})
}

// handleInstances lists the configured instance set, without probing
// it (see handleInstancesHealth for the live check).
func (s *Server) handleInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"instances": s.Gateway.Instances})
}

type instanceHealth struct {
	InstanceID    string `json:"instanceId"`
	Healthy       bool   `json:"healthy"`
	ResponseTimeMs int64  `json:"responseTimeMs,omitempty"`
	CheckedAt     string `json:"checkedAt"`
	Error         string `json:"error,omitempty"`
}
