//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// Microphone reads the default input device with a blocking portaudio stream.
type Microphone struct {
	FramesPerBuffer int

	stream    *portaudio.Stream
	buf       []float32
	closeOnce sync.Once
}

func (m *Microphone) Open(context.Context) error {
	if m.FramesPerBuffer <= 0 {
		m.FramesPerBuffer = audio.FrameSize
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	m.buf = make([]float32, m.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(audio.SampleRate), len(m.buf), m.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}
	m.stream = stream
	return nil
}

func (m *Microphone) ReadFrame(ctx context.Context, frame []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.stream.Read(); err != nil {
		return 0, fmt.Errorf("read input stream: %w", err)
	}
	return copy(frame, m.buf), nil
}

func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.stream != nil {
			if stopErr := m.stream.Stop(); stopErr != nil {
				err = stopErr
			}
			if closeErr := m.stream.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		portaudio.Terminate()
	})
	return err
}
