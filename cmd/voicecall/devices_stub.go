//go:build !portaudio

package main

import (
	"errors"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/capture"
)

var errNoAudioDevices = errors.New("built without portaudio; use --input and --output WAV files")

func openMicrophone() (capture.Source, error) {
	return nil, errNoAudioDevices
}

func openSpeaker(*audio.CircularBuffer) (func() error, error) {
	return nil, errNoAudioDevices
}
