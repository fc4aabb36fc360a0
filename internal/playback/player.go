// Package playback schedules streamed PCM16 chunks onto an output device as
// one continuous, non-overlapping stream.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// Player queues decoded chunks and hands them to the device one at a time.
// Each buffer starts at max(device clock, end of the previous buffer), so
// arrival jitter adds latency but never overlap.
type Player struct {
	device     Device
	sampleRate int

	mu        sync.Mutex
	queue     []Buffer
	playing   bool
	nextStart time.Duration
	gen       uint64
	closed    bool

	closeOnce sync.Once
	closeErr  error
}

func NewPlayer(device Device, sampleRate int) *Player {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return &Player{device: device, sampleRate: sampleRate}
}

func (p *Player) AddChunk(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	buf := Buffer{Samples: audio.PCM16ToFloat(pcm), SampleRate: p.sampleRate}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, buf)
	if p.playing {
		p.mu.Unlock()
		return
	}
	p.playNext()
}

// AddChunkFromBase64 decodes the relay's tts_chunk encoding before queueing.
func (p *Player) AddChunkFromBase64(encoded string) error {
	pcm, err := audio.DecodeBase64PCM16(encoded)
	if err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}
	p.AddChunk(pcm)
	return nil
}

// playNext must be called with p.mu held; it releases the lock before
// handing the buffer to the device.
func (p *Player) playNext() {
	if len(p.queue) == 0 {
		p.playing = false
		p.mu.Unlock()
		return
	}
	p.playing = true
	buf := p.queue[0]
	p.queue[0] = Buffer{}
	p.queue = p.queue[1:]

	at := p.device.Now()
	if p.nextStart > at {
		at = p.nextStart
	}
	p.nextStart = at + buf.Duration()
	gen := p.gen
	p.mu.Unlock()

	p.device.Schedule(buf, at, func() { p.ended(gen) })
}

func (p *Player) ended(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.playNext()
}

// Stop drops queued chunks and resets scheduling. A buffer already handed to
// the device still plays to its end.
func (p *Player) Stop() {
	p.mu.Lock()
	p.queue = nil
	p.playing = false
	p.nextStart = 0
	p.gen++
	p.mu.Unlock()
}

// Playing reports whether a buffer is on the device or chunks are waiting.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

func (p *Player) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cleanup stops playback and releases the device. Safe to call more than once.
func (p *Player) Cleanup() error {
	p.closeOnce.Do(func() {
		p.Stop()
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.closeErr = p.device.Close()
	})
	return p.closeErr
}
