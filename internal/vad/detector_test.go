package vad

import "testing"

func constantFrame(level float32, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		if i%2 == 0 {
			f[i] = level
		} else {
			f[i] = -level
		}
	}
	return f
}

func TestDetectorStableOnConstantInput(t *testing.T) {
	for _, level := range []float32{0, 0.005, 0.019, 0.021, 0.1, 0.9} {
		d := NewDetector(DefaultThreshold, DefaultHistorySize)
		frame := constantFrame(level, 512)
		for i := 0; i < DefaultHistorySize; i++ {
			d.IsSpeech(frame)
		}
		first := d.IsSpeech(frame)
		for i := 0; i < 50; i++ {
			if got := d.IsSpeech(frame); got != first {
				t.Fatalf("level %v: decision flapped at frame %d", level, i)
			}
		}
		if want := float64(level) > DefaultThreshold; first != want {
			t.Fatalf("level %v: IsSpeech = %v, want %v", level, first, want)
		}
	}
}

func TestDetectorSmoothsTransient(t *testing.T) {
	d := NewDetector(DefaultThreshold, DefaultHistorySize)
	silence := constantFrame(0, 256)
	for i := 0; i < DefaultHistorySize; i++ {
		d.IsSpeech(silence)
	}
	// One loud frame averaged with nine silent ones stays under the threshold.
	if d.IsSpeech(constantFrame(0.15, 256)) {
		t.Fatalf("single transient should not open the gate")
	}
	if d.IsSpeech(silence) {
		t.Fatalf("gate should remain closed after transient")
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector(0, 0)
	if d.Threshold() != DefaultThreshold {
		t.Fatalf("Threshold = %v, want default", d.Threshold())
	}
	if !d.IsSpeech(constantFrame(0.5, 128)) {
		t.Fatalf("loud frame should be speech")
	}
	d.Reset()
	if d.Energy() != 0 {
		t.Fatalf("Energy after Reset = %v, want 0", d.Energy())
	}
	if d.IsSpeech(constantFrame(0, 128)) {
		t.Fatalf("silence after Reset should not be speech")
	}
}
