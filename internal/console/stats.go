package console

import (
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/gateway"
)

// recentEventSampleSize bounds how many request events the timeseries
// and latency endpoints scan, so a busy partition's console page never
// pays for an unbounded table scan.
const recentEventSampleSize = 2000

func (s *Server) handleStats(c echo.Context) error {
	principal := getPrincipal(c)
	stats, err := s.Storage.Stats(c.Request().Context(), principal.PartitionID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// handleStatsTimeseries buckets the most recent request events by hour
// and reports push/pull counts and a latency mean per bucket. The
// Federation Gateway merges these buckets the same way across
// instances (gateway.MergeTimeseries) — see internal/gateway/stats.go.
func (s *Server) handleStatsTimeseries(c echo.Context) error {
	principal := getPrincipal(c)
	events, _, err := s.Storage.ListRequestEvents(c.Request().Context(), principal.PartitionID, 0, recentEventSampleSize)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load recent events")
	}

	type accum struct {
		pushCount    int
		pullCount    int
		durationSum  int64
		durationRows int
	}
	buckets := make(map[string]*accum)
	order := make(map[string]time.Time)
	for _, ev := range events {
		bucketTS := ev.CreatedAt.UTC().Truncate(time.Hour)
		key := bucketTS.Format(time.RFC3339)
		a, ok := buckets[key]
		if !ok {
			a = &accum{}
			buckets[key] = a
			order[key] = bucketTS
		}
		switch ev.EventType {
		case "push":
			a.pushCount++
		case "pull":
			a.pullCount++
		}
		a.durationSum += ev.DurationMs
		a.durationRows++
	}

	result := make([]gateway.TimeseriesBucket, 0, len(buckets))
	for ts, a := range buckets {
		avg := 0.0
		if a.durationRows > 0 {
			avg = float64(a.durationSum) / float64(a.durationRows)
		}
		result = append(result, gateway.TimeseriesBucket{
			Timestamp:    ts,
			PushCount:    int64(a.pushCount),
			PullCount:    int64(a.pullCount),
			AvgLatencyMs: avg,
		})
	}
	sort.Slice(result, func(i, j int) bool { return order[result[i].Timestamp].Before(order[result[j].Timestamp]) })

	return c.JSON(http.StatusOK, map[string]any{"buckets": result})
}

// handleStatsLatency computes p50/p90/p99 over the most recent request
// events' durations. The Federation Gateway's arithmetic-mean merge of
// these percentiles across instances is a documented approximation —
// see gateway.MergeLatency.
func (s *Server) handleStatsLatency(c echo.Context) error {
	principal := getPrincipal(c)
	events, _, err := s.Storage.ListRequestEvents(c.Request().Context(), principal.PartitionID, 0, recentEventSampleSize)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to load recent events")
	}
	if len(events) == 0 {
		return c.JSON(http.StatusOK, gateway.LatencyPercentiles{})
	}

	durations := make([]float64, len(events))
	for i, ev := range events {
		durations[i] = float64(ev.DurationMs)
	}
	sort.Float64s(durations)

	return c.JSON(http.StatusOK, gateway.LatencyPercentiles{
		P50Ms: percentile(durations, 0.50),
		P90Ms: percentile(durations, 0.90),
		P99Ms: percentile(durations, 0.99),
	})
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
