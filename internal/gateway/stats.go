package gateway

import "github.com/syncular/syncular/internal/storage"

// MergedStats is the gateway's /stats response shape: per-instance
// Stats summed/min/maxed, plus the per-instance breakdown for the
// commit-seq watermarks.
type MergedStats struct {
	storage.Stats
	MinCommitSeqByInstance map[string]int64 `json:"minCommitSeqByInstance,omitempty"`
	MaxCommitSeqByInstance map[string]int64 `json:"maxCommitSeqByInstance,omitempty"`
}

// MergeStats implements the /stats merge rule: sum the counts, min/max
// the commit-seq and active-cursor watermarks (skipping instances that
// report no data), and retain a per-instance breakdown of the
// commit-seq bounds.
func MergeStats(byInstance map[string]storage.Stats) MergedStats {
	merged := MergedStats{
		MinCommitSeqByInstance: map[string]int64{},
		MaxCommitSeqByInstance: map[string]int64{},
	}
	for instanceID, s := range byInstance {
		merged.CommitCount += s.CommitCount
		merged.ChangeCount += s.ChangeCount
		merged.ClientCount += s.ClientCount
		merged.ActiveClientCount += s.ActiveClientCount

		if s.MinCommitSeq != nil {
			merged.MinCommitSeqByInstance[instanceID] = *s.MinCommitSeq
			if merged.MinCommitSeq == nil || *s.MinCommitSeq < *merged.MinCommitSeq {
				merged.MinCommitSeq = s.MinCommitSeq
			}
		}
		if s.MaxCommitSeq != nil {
			merged.MaxCommitSeqByInstance[instanceID] = *s.MaxCommitSeq
			if merged.MaxCommitSeq == nil || *s.MaxCommitSeq > *merged.MaxCommitSeq {
				merged.MaxCommitSeq = s.MaxCommitSeq
			}
		}
		if s.MinActiveCursor != nil && (merged.MinActiveCursor == nil || *s.MinActiveCursor < *merged.MinActiveCursor) {
			merged.MinActiveCursor = s.MinActiveCursor
		}
		if s.MaxActiveCursor != nil && (merged.MaxActiveCursor == nil || *s.MaxActiveCursor > *merged.MaxActiveCursor) {
			merged.MaxActiveCursor = s.MaxActiveCursor
		}
	}
	return merged
}

// TimeseriesBucket is one point in a /stats/timeseries response.
type TimeseriesBucket struct {
	Timestamp    string  `json:"timestamp"`
	PushCount    int64   `json:"pushCount"`
	PullCount    int64   `json:"pullCount"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// instanceBucket is one instance's raw contribution to a timeseries bucket.
type instanceBucket struct {
	PushCount    int64
	PullCount    int64
	AvgLatencyMs float64
}

// MergeTimeseries buckets by identical timestamp, sums counts, and
// computes an event-count-weighted mean latency across instances —
// weight = pushCount+pullCount of that bucket on that instance.
func MergeTimeseries(byTimestamp map[string][]instanceBucket) []TimeseriesBucket {
	out := make([]TimeseriesBucket, 0, len(byTimestamp))
	for ts, buckets := range byTimestamp {
		merged := TimeseriesBucket{Timestamp: ts}
		var weightedLatency float64
		var totalWeight int64
		for _, b := range buckets {
			merged.PushCount += b.PushCount
			merged.PullCount += b.PullCount
			weight := b.PushCount + b.PullCount
			weightedLatency += b.AvgLatencyMs * float64(weight)
			totalWeight += weight
		}
		if totalWeight > 0 {
			merged.AvgLatencyMs = weightedLatency / float64(totalWeight)
		}
		out = append(out, merged)
	}
	return out
}

// LatencyPercentiles is one instance's or the merged /stats/latency
// percentile set.
type LatencyPercentiles struct {
	P50Ms float64 `json:"p50Ms"`
	P90Ms float64 `json:"p90Ms"`
	P99Ms float64 `json:"p99Ms"`
}

// MergeLatency takes the arithmetic mean of each percentile across
// successful instances. This is a known approximation: true percentile
// merging would require shipping histograms or sketches, which the
// wire contract doesn't carry.
func MergeLatency(perInstance []LatencyPercentiles) LatencyPercentiles {
	if len(perInstance) == 0 {
		return LatencyPercentiles{}
	}
	var sum LatencyPercentiles
	for _, p := range perInstance {
		sum.P50Ms += p.P50Ms
		sum.P90Ms += p.P90Ms
		sum.P99Ms += p.P99Ms
	}
	n := float64(len(perInstance))
	return LatencyPercentiles{P50Ms: sum.P50Ms / n, P90Ms: sum.P90Ms / n, P99Ms: sum.P99Ms / n}
}
