package analytics

import (
	"math"
	"time"
)

// LatencyMetrics values are milliseconds.
type LatencyMetrics struct {
	AvgInitialLatency int64   `json:"avg_initial_latency_ms"`
	MaxLatency        int64   `json:"max_latency_ms"`
	MinLatency        int64   `json:"min_latency_ms"`
	TotalThinkingTime int64   `json:"total_thinking_time_ms"`
	TurnCount         int     `json:"turn_count"`
	TurnTakingRatio   float64 `json:"turn_taking_ratio"`
}

// ComputeLatency derives the metrics from the full sample list. With no
// samples every latency field is 0.
func ComputeLatency(samples []time.Duration, userSpeaking, assistantSpeaking time.Duration) LatencyMetrics {
	m := LatencyMetrics{TurnCount: len(samples)}
	if assistantSpeaking > 0 {
		m.TurnTakingRatio = float64(userSpeaking) / float64(assistantSpeaking)
	}
	if len(samples) == 0 {
		return m
	}

	var sum, maxMs int64
	minMs := int64(math.MaxInt64)
	for _, s := range samples {
		ms := s.Milliseconds()
		sum += ms
		if ms > maxMs {
			maxMs = ms
		}
		if ms < minMs {
			minMs = ms
		}
	}
	m.AvgInitialLatency = int64(math.Round(float64(sum) / float64(len(samples))))
	m.MaxLatency = maxMs
	m.MinLatency = minMs
	m.TotalThinkingTime = sum
	return m
}

// AcceptLatency reports whether l is a plausible sample: positive and below ceiling.
func AcceptLatency(l, ceiling time.Duration) bool {
	return l > 0 && l < ceiling
}

func stddevMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var mean float64
	for _, s := range samples {
		mean += float64(s.Milliseconds())
	}
	mean /= float64(len(samples))
	var v float64
	for _, s := range samples {
		d := float64(s.Milliseconds()) - mean
		v += d * d
	}
	return math.Sqrt(v / float64(len(samples)))
}
