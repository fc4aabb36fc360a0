//go:build portaudio

package main

import (
	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/capture"
	"github.com/ent0n29/voicebridge/internal/playback"
)

func openMicrophone() (capture.Source, error) {
	return &capture.Microphone{FramesPerBuffer: audio.FrameSize}, nil
}

func openSpeaker(ring *audio.CircularBuffer) (func() error, error) {
	speaker, err := playback.OpenSpeaker(ring, audio.SampleRate, 1024)
	if err != nil {
		return nil, err
	}
	return speaker.Close, nil
}
