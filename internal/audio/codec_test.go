package audio

import (
	"math"
	"testing"
)

func TestFloatToPCM16ClampsAndScales(t *testing.T) {
	got := FloatToPCM16([]float32{-2, -1, -0.5, 0, 0.5, 1, 3})
	want := []int16{-32768, -32768, -16384, 0, 16383, 32767, 32767}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPCM16RoundTripWithinOneStep(t *testing.T) {
	const steps = 20001
	in := make([]float32, steps)
	for i := range in {
		in[i] = float32(-1 + 2*float64(i)/float64(steps-1))
	}
	out := PCM16ToFloat(FloatToPCM16(in))
	for i, v := range in {
		step := 1.0 / 0x7FFF
		if v < 0 {
			step = 1.0 / 0x8000
		}
		if diff := math.Abs(float64(out[i] - v)); diff > step+1e-7 {
			t.Fatalf("sample %d: in=%v out=%v diff=%v exceeds step %v", i, v, out[i], diff, step)
		}
	}
}

func TestEmptyInputsAreDeterministic(t *testing.T) {
	if got := Amplitude(nil); got != 0 {
		t.Fatalf("Amplitude(nil) = %v, want 0", got)
	}
	if got := RMS([]float32{}); got != 0 {
		t.Fatalf("RMS(empty) = %v, want 0", got)
	}
	if got := FloatToPCM16(nil); len(got) != 0 {
		t.Fatalf("FloatToPCM16(nil) len = %d, want 0", len(got))
	}
	if got := PCM16ToFloat(nil); len(got) != 0 {
		t.Fatalf("PCM16ToFloat(nil) len = %d, want 0", len(got))
	}
}

func TestAmplitudeIsMeanAbsolute(t *testing.T) {
	got := Amplitude([]float32{0.5, -0.5, 0.25, -0.25})
	if math.Abs(got-0.375) > 1e-9 {
		t.Fatalf("Amplitude = %v, want 0.375", got)
	}
}

func TestNoiseGate(t *testing.T) {
	got := NoiseGate([]float32{0.005, -0.2, 0.01, 0.5}, 0.01)
	want := []float32{0, -0.2, 0, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBase64PCM16RoundTrip(t *testing.T) {
	in := []int16{-32768, -1, 0, 1, 32767}
	got, err := DecodeBase64PCM16(EncodeBase64PCM16(in))
	if err != nil {
		t.Fatalf("DecodeBase64PCM16() error = %v", err)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
	if _, err := DecodeBase64PCM16("%%%"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestDecodePCM16LEIgnoresOddTrailingByte(t *testing.T) {
	got := DecodePCM16LE([]byte{0x01, 0x00, 0xff, 0xff, 0x7f})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Fatalf("DecodePCM16LE = %v, want [1 -1]", got)
	}
}
