package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// WAVSource replays a mono PCM16 WAV file. With Realtime set, frames are
// paced at their playback duration.
type WAVSource struct {
	Path     string
	Realtime bool

	samples []int16
	pos     int
	last    time.Time
}

func (s *WAVSource) Open(context.Context) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	pcm, rate, err := audio.ReadWAVPCM16LE(f)
	if err != nil {
		return err
	}
	if rate != audio.SampleRate {
		return fmt.Errorf("%s: sample rate %d, want %d", s.Path, rate, audio.SampleRate)
	}
	s.samples = audio.DecodePCM16LE(pcm)
	s.pos = 0
	s.last = time.Time{}
	return nil
}

func (s *WAVSource) ReadFrame(ctx context.Context, frame []float32) (int, error) {
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	end := min(s.pos+len(frame), len(s.samples))
	n := copy(frame, audio.PCM16ToFloat(s.samples[s.pos:end]))
	s.pos = end

	if s.Realtime {
		if err := s.pace(ctx, n); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *WAVSource) pace(ctx context.Context, n int) error {
	frameDur := time.Duration(n) * time.Second / time.Duration(audio.SampleRate)
	if s.last.IsZero() {
		s.last = time.Now()
	}
	s.last = s.last.Add(frameDur)
	wait := time.Until(s.last)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *WAVSource) Close() error {
	s.samples = nil
	return nil
}
