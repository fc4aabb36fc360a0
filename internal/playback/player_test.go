package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

type scheduled struct {
	buf  Buffer
	at   time.Duration
	done func()
}

type fakeDevice struct {
	mu     sync.Mutex
	now    time.Duration
	calls  []scheduled
	closes int
}

func (d *fakeDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *fakeDevice) Schedule(buf Buffer, at time.Duration, done func()) {
	d.mu.Lock()
	d.calls = append(d.calls, scheduled{buf: buf, at: at, done: done})
	d.mu.Unlock()
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) setNow(v time.Duration) {
	d.mu.Lock()
	d.now = v
	d.mu.Unlock()
}

func (d *fakeDevice) call(i int) scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// 2400 samples at 24 kHz is 100ms.
func chunk() []int16 { return make([]int16, 2400) }

func TestPlayerSchedulesBackToBack(t *testing.T) {
	dev := &fakeDevice{now: 10 * time.Millisecond}
	p := NewPlayer(dev, audio.SampleRate)

	p.AddChunk(chunk())
	p.AddChunk(chunk())
	p.AddChunk(chunk())

	if got := dev.count(); got != 1 {
		t.Fatalf("scheduled = %d, want 1", got)
	}
	if got := p.QueueLength(); got != 2 {
		t.Fatalf("QueueLength() = %d, want 2", got)
	}

	// The device clock lags slightly behind the scheduled end each time.
	dev.setNow(100 * time.Millisecond)
	dev.call(0).done()
	dev.setNow(200 * time.Millisecond)
	dev.call(1).done()

	want := []time.Duration{10 * time.Millisecond, 110 * time.Millisecond, 210 * time.Millisecond}
	if got := dev.count(); got != len(want) {
		t.Fatalf("scheduled = %d, want %d", got, len(want))
	}
	for i, at := range want {
		if got := dev.call(i).at; got != at {
			t.Fatalf("buffer %d start = %v, want %v", i, got, at)
		}
	}
	if !p.Playing() {
		t.Fatalf("Playing() = false while last buffer is on the device")
	}

	dev.call(2).done()
	if p.Playing() {
		t.Fatalf("Playing() = true after queue drained")
	}
}

func TestPlayerStartsAtClockAfterGap(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPlayer(dev, audio.SampleRate)

	p.AddChunk(chunk())
	dev.call(0).done()

	dev.setNow(500 * time.Millisecond)
	p.AddChunk(chunk())
	if got := dev.call(1).at; got != 500*time.Millisecond {
		t.Fatalf("start after gap = %v, want 500ms", got)
	}
}

func TestPlayerStopDropsQueueAndIgnoresStaleCompletion(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPlayer(dev, audio.SampleRate)

	p.AddChunk(chunk())
	p.AddChunk(chunk())
	p.Stop()

	if p.Playing() || p.QueueLength() != 0 {
		t.Fatalf("after Stop: Playing() = %v, QueueLength() = %d", p.Playing(), p.QueueLength())
	}

	// The first buffer was already handed over; its completion must not
	// restart the discarded queue.
	dev.call(0).done()
	if got := dev.count(); got != 1 {
		t.Fatalf("scheduled = %d, want 1", got)
	}

	dev.setNow(30 * time.Millisecond)
	p.AddChunk(chunk())
	if got := dev.call(1).at; got != 30*time.Millisecond {
		t.Fatalf("start after Stop = %v, want 30ms", got)
	}
}

func TestPlayerAddChunkFromBase64(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPlayer(dev, audio.SampleRate)

	if err := p.AddChunkFromBase64(audio.EncodeBase64PCM16([]int16{0, 16384, -16384})); err != nil {
		t.Fatalf("AddChunkFromBase64() error = %v", err)
	}
	if got := len(dev.call(0).buf.Samples); got != 3 {
		t.Fatalf("samples = %d, want 3", got)
	}
	if err := p.AddChunkFromBase64("%%%"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPlayerCleanupIsIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPlayer(dev, audio.SampleRate)

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if dev.closes != 1 {
		t.Fatalf("device closes = %d, want 1", dev.closes)
	}

	p.AddChunk(chunk())
	if got := dev.count(); got != 0 {
		t.Fatalf("scheduled after Cleanup = %d, want 0", got)
	}
}

func TestClockDeviceWritesToSink(t *testing.T) {
	sink := &WAVSink{}
	dev := NewClockDevice(sink)
	defer dev.Close()

	done := make(chan struct{})
	dev.Schedule(Buffer{Samples: make([]float32, 240), SampleRate: audio.SampleRate}, dev.Now(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
	}
	if got := sink.Samples(); got != 240 {
		t.Fatalf("sink samples = %d, want 240", got)
	}
}

func TestClockDeviceForgetsFiredTimers(t *testing.T) {
	sink := &WAVSink{}
	dev := NewClockDevice(sink)
	defer dev.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		dev.Schedule(Buffer{Samples: make([]float32, 24), SampleRate: audio.SampleRate}, 0, wg.Done)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for completions")
	}

	deadline := time.Now().Add(2 * time.Second)
	for dev.Pending() != 0 || sink.Samples() != n*24 {
		if time.Now().After(deadline) {
			t.Fatalf("Pending() = %d, sink samples = %d; want 0 and %d", dev.Pending(), sink.Samples(), n*24)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferDuration(t *testing.T) {
	b := Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
	if got := b.Duration(); got != 500*time.Millisecond {
		t.Fatalf("Duration() = %v, want 500ms", got)
	}
}
