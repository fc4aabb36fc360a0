package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageFirstAudio, 500*time.Millisecond)
	w.ObserveMS(StageFirstAudio, 700)
	w.ObserveMS(StageFirstAudio, 900)
	w.ObserveIndicator("upstream_error")
	w.ObserveIndicator("upstream_error")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 || s.MinMS != 500 || s.MaxMS != 900 || s.AvgMS != 700 {
		t.Fatalf("stats = %+v", s)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestLatencyWindowKeepsMostRecent(t *testing.T) {
	w := NewLatencyWindow(0)
	for i := 1; i <= DefaultLatencyWindow+20; i++ {
		w.ObserveMS(StageResponseTotal, float64(i))
	}
	st, ok := w.Stats(StageResponseTotal)
	if !ok {
		t.Fatalf("Stats() ok = false")
	}
	if st.Samples != DefaultLatencyWindow {
		t.Fatalf("Samples = %d, want %d", st.Samples, DefaultLatencyWindow)
	}
	if st.MinMS != 21 || st.MaxMS != float64(DefaultLatencyWindow+20) {
		t.Fatalf("min/max = %.0f/%.0f, want 21/%d", st.MinMS, st.MaxMS, DefaultLatencyWindow+20)
	}

	w.Reset()
	if _, ok := w.Stats(StageResponseTotal); ok {
		t.Fatalf("Stats() after Reset ok = true")
	}
}

func TestLatencyWindowIgnoresInvalidSamples(t *testing.T) {
	w := NewLatencyWindow(4)
	w.ObserveMS("", 10)
	w.ObserveMS(StageResponseTotal, -1)
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("Stages = %+v, want none", snap.Stages)
	}
}
