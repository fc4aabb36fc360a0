//go:build portaudio

package playback

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// Speaker drains a CircularBuffer into the default output device. Underruns
// play silence.
type Speaker struct {
	ring   *audio.CircularBuffer
	stream *portaudio.Stream

	closeOnce sync.Once
	closeErr  error
}

func OpenSpeaker(ring *audio.CircularBuffer, sampleRate, framesPerBuffer int) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	s := &Speaker{ring: ring}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, s.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (s *Speaker) fill(out []float32) {
	n := min(s.ring.Available(), len(out))
	samples, _ := s.ring.Read(n)
	copy(out, samples)
	clear(out[n:])
}

func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		portaudio.Terminate()
	})
	return s.closeErr
}
