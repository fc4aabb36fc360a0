// Package vad implements a smoothed energy-threshold voice activity detector.
//
// The decision averages RMS energy over a short history of frames so that a
// single loud transient does not flip the gate on and off. It is a coarse
// bandwidth filter in front of the relay, not a protocol guarantee: the relay
// and the upstream turn detector tolerate silent or near-empty chunks.
package vad

import "github.com/ent0n29/voicebridge/internal/audio"

const (
	DefaultThreshold   = 0.02
	DefaultHistorySize = 10
)

// Detector is owned by a single audio callback and is not safe for concurrent use.
type Detector struct {
	threshold float64
	size      int
	history   []float64
	next      int
}

func NewDetector(threshold float64, historySize int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Detector{
		threshold: threshold,
		size:      historySize,
		history:   make([]float64, 0, historySize),
	}
}

// IsSpeech records the frame energy and reports whether the smoothed energy exceeds the threshold.
func (d *Detector) IsSpeech(frame []float32) bool {
	energy := audio.RMS(frame)
	if len(d.history) < d.size {
		d.history = append(d.history, energy)
	} else {
		d.history[d.next] = energy
		d.next = (d.next + 1) % d.size
	}
	return d.Energy() > d.threshold
}

// Energy returns the mean of the recorded history, 0 when empty.
func (d *Detector) Energy() float64 {
	if len(d.history) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range d.history {
		sum += e
	}
	return sum / float64(len(d.history))
}

func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Reset clears the history, e.g. when the microphone stream restarts.
func (d *Detector) Reset() {
	d.history = d.history[:0]
	d.next = 0
}
