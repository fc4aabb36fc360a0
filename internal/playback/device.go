package playback

import (
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// Buffer is a decoded, playable mono chunk.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Device is an output with its own monotonic clock. Schedule hands a buffer to
// the device for playback at the given clock time; once handed over it cannot
// be recalled. done is invoked after the buffer has finished playing.
type Device interface {
	Now() time.Duration
	Schedule(buf Buffer, at time.Duration, done func())
	Close() error
}

// Sink receives samples at the moment they start playing.
type Sink interface {
	Write(samples []float32)
}

// ClockDevice is a wall-clock device that writes each buffer into a Sink at
// its scheduled start and reports completion at its scheduled end.
type ClockDevice struct {
	sink  Sink
	start time.Time

	mu     sync.Mutex
	seq    uint64
	timers map[uint64]*time.Timer
	closed bool
}

func NewClockDevice(sink Sink) *ClockDevice {
	return &ClockDevice{
		sink:   sink,
		start:  time.Now(),
		timers: make(map[uint64]*time.Timer),
	}
}

func (d *ClockDevice) Now() time.Duration {
	return time.Since(d.start)
}

func (d *ClockDevice) Schedule(buf Buffer, at time.Duration, done func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	startIn := at - d.Now()
	if startIn < 0 {
		startIn = 0
	}

	startID, endID := d.seq+1, d.seq+2
	d.seq += 2
	d.timers[startID] = time.AfterFunc(startIn, func() {
		d.forget(startID)
		if d.sink != nil {
			d.sink.Write(buf.Samples)
		}
	})
	d.timers[endID] = time.AfterFunc(startIn+buf.Duration(), func() {
		d.forget(endID)
		if done != nil {
			done()
		}
	})
}

func (d *ClockDevice) forget(id uint64) {
	d.mu.Lock()
	delete(d.timers, id)
	d.mu.Unlock()
}

// Pending reports how many timers have not fired yet.
func (d *ClockDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Close stops pending timers. Buffers already written to the sink are unaffected.
func (d *ClockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	return nil
}

// RingSink feeds a CircularBuffer that a hardware callback drains.
type RingSink struct {
	Ring *audio.CircularBuffer
}

func (s RingSink) Write(samples []float32) {
	s.Ring.Write(samples)
}

// WAVSink collects everything played so it can be written out as a WAV file.
type WAVSink struct {
	mu  sync.Mutex
	pcm []int16
}

func (s *WAVSink) Write(samples []float32) {
	pcm := audio.FloatToPCM16(samples)
	s.mu.Lock()
	s.pcm = append(s.pcm, pcm...)
	s.mu.Unlock()
}

func (s *WAVSink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcm)
}

func (s *WAVSink) WriteFile(path string, sampleRate int) error {
	s.mu.Lock()
	raw := audio.EncodePCM16LE(s.pcm)
	s.mu.Unlock()
	return audio.WriteWAVPCM16LEFile(path, raw, sampleRate)
}
