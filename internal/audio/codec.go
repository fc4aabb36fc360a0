package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// SampleRate is the fixed wire sample rate for PCM16 mono audio.
	SampleRate = 24000
	// FrameSize is the number of samples handed to the capture callback per tick.
	FrameSize = 4096
)

// FloatToPCM16 converts normalized samples to signed 16-bit PCM.
// Values are clamped to [-1,1]; negative values scale by 0x8000 and the rest by 0x7FFF.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 0x8000)
		} else {
			out[i] = int16(v * 0x7FFF)
		}
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}

// Amplitude returns the mean absolute value. Used for level meters only.
func Amplitude(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(samples))
}

// RMS returns sqrt(mean(x^2)).
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NoiseGate zeroes every sample whose magnitude is at or below threshold.
func NoiseGate(samples []float32, threshold float32) []float32 {
	out := make([]float32, len(samples))
	for i, v := range samples {
		if v > threshold || v < -threshold {
			out[i] = v
		}
	}
	return out
}

// EncodePCM16LE serializes samples as little-endian bytes.
func EncodePCM16LE(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16LE parses little-endian PCM16 bytes. A trailing odd byte is ignored.
func DecodePCM16LE(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

func EncodeBase64PCM16(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(pcm))
}

func DecodeBase64PCM16(s string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 pcm16: %w", err)
	}
	return DecodePCM16LE(raw), nil
}
