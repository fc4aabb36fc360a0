// Package capture turns microphone frames into VAD-gated PCM16 audio for the
// relay connection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/vad"
)

var (
	ErrNeedsRetry       = errors.New("capture failed; call Retry before listening again")
	ErrAlreadyListening = errors.New("capture already listening")
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender is the outbound half of the relay connection. *transport.Client satisfies it.
type Sender interface {
	IsConnected() bool
	SendBinary([]byte) error
}

// Source produces mono float32 frames at audio.SampleRate. ReadFrame returns
// io.EOF once the source is exhausted.
type Source interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context, frame []float32) (int, error)
	Close() error
}

type Options struct {
	VADThreshold   float64
	VADHistorySize int
	// NoiseGate zeroes samples at or below this magnitude before encoding; 0 disables it.
	NoiseGate float32
	FrameSize int
}

type Stats struct {
	Frames       int64
	SpeechFrames int64
	Sent         int64
	Dropped      int64
}

// Pipeline owns the VAD; Process must be called from one goroutine at a time.
type Pipeline struct {
	sender    Sender
	detector  *vad.Detector
	noiseGate float32
	frameSize int

	amplitude atomic.Uint64
	muted     atomic.Bool

	frames   atomic.Int64
	speech   atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
	lastSent atomic.Int64

	mu    sync.Mutex
	state State
}

func NewPipeline(sender Sender, opts Options) *Pipeline {
	if opts.FrameSize <= 0 {
		opts.FrameSize = audio.FrameSize
	}
	return &Pipeline{
		sender:    sender,
		detector:  vad.NewDetector(opts.VADThreshold, opts.VADHistorySize),
		noiseGate: opts.NoiseGate,
		frameSize: opts.FrameSize,
	}
}

// Process handles one captured frame. It never blocks on the network.
func (p *Pipeline) Process(frame []float32) {
	p.frames.Add(1)
	if p.muted.Load() {
		p.amplitude.Store(0)
		return
	}
	p.amplitude.Store(math.Float64bits(audio.Amplitude(frame)))

	if !p.detector.IsSpeech(frame) {
		return
	}
	p.speech.Add(1)
	if !p.sender.IsConnected() {
		return
	}

	samples := frame
	if p.noiseGate > 0 {
		samples = audio.NoiseGate(frame, p.noiseGate)
	}
	if err := p.sender.SendBinary(audio.EncodePCM16LE(audio.FloatToPCM16(samples))); err != nil {
		p.dropped.Add(1)
		return
	}
	p.sent.Add(1)
	p.lastSent.Store(time.Now().UnixNano())
}

// Run opens src and feeds its frames through Process until the source is
// exhausted or ctx ends. A source failure parks the pipeline in StateError.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	p.mu.Lock()
	switch p.state {
	case StateError:
		p.mu.Unlock()
		return ErrNeedsRetry
	case StateListening:
		p.mu.Unlock()
		return ErrAlreadyListening
	}
	p.state = StateListening
	p.mu.Unlock()

	if err := src.Open(ctx); err != nil {
		p.setState(StateError)
		return fmt.Errorf("open audio source: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Printf("capture: close source: %v", err)
		}
	}()

	frame := make([]float32, p.frameSize)
	for {
		n, err := src.ReadFrame(ctx, frame)
		if n > 0 {
			p.Process(frame[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			p.setState(StateIdle)
			return nil
		default:
			p.setState(StateError)
			return fmt.Errorf("read audio source: %w", err)
		}
	}
}

// Retry clears a previous source failure.
func (p *Pipeline) Retry() {
	p.mu.Lock()
	if p.state == StateError {
		p.state = StateIdle
	}
	p.mu.Unlock()
	p.detector.Reset()
}

func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Amplitude is the mean absolute level of the last processed frame.
func (p *Pipeline) Amplitude() float64 {
	return math.Float64frombits(p.amplitude.Load())
}

// LastSentAt is when the most recent speech frame was handed to the sender.
func (p *Pipeline) LastSentAt() time.Time {
	ns := p.lastSent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:       p.frames.Load(),
		SpeechFrames: p.speech.Load(),
		Sent:         p.sent.Load(),
		Dropped:      p.dropped.Load(),
	}
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
