package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stages recorded in the perf window.
const (
	StageUserLatency      = "user_response_latency"
	StageConnect          = "connect"
	StageLiveToFirstAudio = "live_to_first_audio"
)

// p95 budgets for stages the service controls. Student response latency has
// no budget.
var stageTargetsMS = map[string]float64{
	StageConnect:          1200,
	StageLiveToFirstAudio: 1500,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// SessionSummary is what one finished session contributes to the window.
type SessionSummary struct {
	Outcome  string
	Turns    int
	BargeIns int
	// AvgLatencyMS is 0 when the session kept no latency samples.
	AvgLatencyMS float64
	Coherence    int
}

type SessionStats struct {
	Finished           int            `json:"finished"`
	Outcomes           map[string]int `json:"outcomes,omitempty"`
	TurnsPerSession    float64        `json:"turns_per_session"`
	BargeInsPerSession float64        `json:"barge_ins_per_session"`
	AvgCoherence       float64        `json:"avg_coherence"`
	LatencyP50MS       float64        `json:"avg_latency_p50_ms"`
	LatencyP95MS       float64        `json:"avg_latency_p95_ms"`
}

// PerfSnapshot is served at /v1/perf/latency.
type PerfSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Sessions    SessionStats   `json:"sessions"`
	Counts      map[string]int `json:"counts,omitempty"`
}

// perfWindow keeps the newest size samples per stage and the newest size
// finished sessions. Counts are cumulative.
type perfWindow struct {
	mu       sync.Mutex
	size     int
	stages   map[string][]float64
	sessions []SessionSummary
	counts   map[string]int
}

func newPerfWindow(size int) *perfWindow {
	if size <= 0 {
		size = 256
	}
	return &perfWindow{
		size:   size,
		stages: make(map[string][]float64),
		counts: make(map[string]int),
	}
}

func (w *perfWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	w.stages[stage] = keepLast(w.stages[stage], ms, w.size)
	w.mu.Unlock()
}

func (w *perfWindow) count(name string) {
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *perfWindow) observeSession(s SessionSummary) {
	w.mu.Lock()
	w.sessions = keepLast(w.sessions, s, w.size)
	w.mu.Unlock()
}

func (w *perfWindow) snapshot() PerfSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := PerfSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
		Sessions:    summarizeSessions(w.sessions),
	}
	for stage, values := range w.stages {
		if len(values) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, stageStats(stage, values))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	if len(w.counts) > 0 {
		snap.Counts = make(map[string]int, len(w.counts))
		for name, n := range w.counts {
			snap.Counts[name] = n
		}
	}
	return snap
}

func stageStats(stage string, values []float64) StageStats {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	st := StageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      roundMS(values[len(values)-1]),
		AvgMS:       roundMS(mean(values)),
		P50MS:       roundMS(percentile(sorted, 0.50)),
		P95MS:       roundMS(percentile(sorted, 0.95)),
		TargetP95MS: stageTargetsMS[stage],
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

func summarizeSessions(sessions []SessionSummary) SessionStats {
	stats := SessionStats{Finished: len(sessions)}
	if len(sessions) == 0 {
		return stats
	}
	stats.Outcomes = make(map[string]int)
	var turns, bargeIns, coherence float64
	latencies := make([]float64, 0, len(sessions))
	for _, s := range sessions {
		stats.Outcomes[s.Outcome]++
		turns += float64(s.Turns)
		bargeIns += float64(s.BargeIns)
		coherence += float64(s.Coherence)
		if s.AvgLatencyMS > 0 {
			latencies = append(latencies, s.AvgLatencyMS)
		}
	}
	n := float64(len(sessions))
	stats.TurnsPerSession = roundMS(turns / n)
	stats.BargeInsPerSession = roundMS(bargeIns / n)
	stats.AvgCoherence = roundMS(coherence / n)
	sort.Float64s(latencies)
	stats.LatencyP50MS = roundMS(percentile(latencies, 0.50))
	stats.LatencyP95MS = roundMS(percentile(latencies, 0.95))
	return stats
}

// keepLast appends v and trims s to its newest n elements.
func keepLast[T any](s []T, v T, n int) []T {
	s = append(s, v)
	if len(s) > n {
		copy(s, s[len(s)-n:])
		s = s[:n]
	}
	return s
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
