package realtime

import (
	"time"

	"github.com/ent0n29/voicebridge/internal/reliability"
)

const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"

	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	EventResponseAudioDelta      = "response.audio.delta"
	EventResponseTranscriptDelta = "response.audio_transcript.delta"
	EventResponseTranscriptDone  = "response.audio_transcript.done"
	EventResponseDone            = "response.done"
	EventError                   = "error"

	// EventTransportError is synthesized locally when the socket fails.
	EventTransportError = "transport.error"
)

// Event is a server event. Only the fields the relay consumes are decoded.
type Event struct {
	Type       string     `json:"type"`
	EventID    string     `json:"event_id,omitempty"`
	ResponseID string     `json:"response_id,omitempty"`
	ItemID     string     `json:"item_id,omitempty"`
	Delta      string     `json:"delta,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`

	Err error `json:"-"`
}

type ErrorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type clientEvent struct {
	EventID string          `json:"event_id,omitempty"`
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
}

type sessionPayload struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcription       `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

const (
	DefaultVoice           = "alloy"
	DefaultVADThreshold    = 0.5
	DefaultPrefixPadding   = 300 * time.Millisecond
	DefaultSilenceDuration = 500 * time.Millisecond
)

func sessionUpdate(sc SessionConfig) clientEvent {
	if sc.Voice == "" {
		sc.Voice = DefaultVoice
	}
	if sc.VADThreshold <= 0 {
		sc.VADThreshold = DefaultVADThreshold
	}
	if sc.PrefixPadding <= 0 {
		sc.PrefixPadding = DefaultPrefixPadding
	}
	if sc.SilenceDuration <= 0 {
		sc.SilenceDuration = DefaultSilenceDuration
	}
	p := &sessionPayload{
		Modalities:        []string{"text", "audio"},
		Voice:             sc.Voice,
		Instructions:      sc.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &turnDetectionConfig{
			Type:              "server_vad",
			Threshold:         sc.VADThreshold,
			PrefixPaddingMs:   sc.PrefixPadding.Milliseconds(),
			SilenceDurationMs: sc.SilenceDuration.Milliseconds(),
		},
	}
	if sc.TranscriptionModel != "" {
		p.InputAudioTranscription = &transcription{Model: sc.TranscriptionModel}
	}
	return clientEvent{EventID: eventID(), Type: EventSessionUpdate, Session: p}
}

// Retryable reports whether an upstream error event is transient.
func (e Event) Retryable() bool {
	return e.Error != nil && reliability.IsRetryableRealtimeErrorType(e.Error.Type)
}
