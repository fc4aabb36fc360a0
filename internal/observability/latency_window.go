package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultLatencyWindow = 100

type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	MinMS       float64 `json:"min_ms"`
	MaxMS       float64 `json:"max_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// LatencyWindow keeps the most recent samples per named stage.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
	indicators map[string]int
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = DefaultLatencyWindow
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
		indicators: make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(stage string, d time.Duration) {
	w.ObserveMS(stage, float64(d)/float64(time.Millisecond))
}

func (w *LatencyWindow) ObserveMS(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// Stats returns the summary for one stage; ok is false when it has no samples.
func (w *LatencyWindow) Stats(stage string) (LatencyStats, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	buf := w.stages[stage]
	if buf == nil {
		return LatencyStats{}, false
	}
	return summarize(stage, buf)
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]LatencyStats, 0, len(keys))
	for _, stage := range keys {
		if st, ok := summarize(stage, w.stages[stage]); ok {
			stages = append(stages, st)
		}
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	indicators := make([]Indicator, 0, len(names))
	for _, name := range names {
		if count := w.indicators[name]; count > 0 {
			indicators = append(indicators, Indicator{Name: name, Count: count})
		}
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func summarize(stage string, buf *stageBuffer) (LatencyStats, bool) {
	n := buf.next
	if buf.filled {
		n = len(buf.values)
	}
	if n <= 0 {
		return LatencyStats{}, false
	}
	samples := make([]float64, n)
	copy(samples, buf.values[:n])
	sort.Float64s(samples)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return LatencyStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      round2(buf.last),
		AvgMS:       round2(sum / float64(n)),
		MinMS:       round2(samples[0]),
		MaxMS:       round2(samples[n-1]),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(quantile(samples, 0.95)),
		TargetP95MS: stageTargetP95MS(stage),
	}, true
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*stageBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Stage names recorded by the relay and the client.
const (
	StageUpstreamConnect = "upstream_connect"
	StageSpeechToText    = "speech_to_transcript"
	StageFirstAudio      = "transcript_to_first_audio"
	StageResponseTotal   = "response_total"
)

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageUpstreamConnect:
		return 1500
	case StageFirstAudio:
		return 1400
	case StageResponseTotal:
		return 3200
	default:
		return 0
	}
}
