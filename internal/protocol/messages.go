package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartSession MessageType = "start_session"
	TypeEndSession   MessageType = "end_session"
	TypeClearHistory MessageType = "clear_history"

	TypeSessionStart     MessageType = "session_start"
	TypeConnectionStatus MessageType = "connection_status"
	TypeTranscription    MessageType = "transcription"
	TypeAIResponse       MessageType = "ai_response"
	TypeTTSChunk         MessageType = "tts_chunk"
	TypeResponseComplete MessageType = "response_complete"
	TypeError            MessageType = "error"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Payload is the typed data of one message variant.
type Payload interface {
	Type() MessageType
	payload()
}

// Message is the {type, data, timestamp, sessionId} envelope exchanged between
// clients and the relay. Timestamp is milliseconds since the Unix epoch.
type Message struct {
	Type      MessageType
	Data      Payload
	Timestamp int64
	SessionID string
}

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
}

type SessionConfig struct {
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

type StartSession struct {
	Config SessionConfig `json:"config"`
}

type EndSession struct{}

type ClearHistory struct{}

type SessionStart struct {
	SessionID string `json:"sessionId"`
}

type ConnectionStatus struct {
	Status string `json:"status"`
}

type Transcription struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type AIResponse struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// TTSChunk carries base64 PCM16. SequenceID is informational; playback order
// follows delivery order.
type TTSChunk struct {
	Audio      string `json:"audio"`
	SequenceID string `json:"sequenceId"`
}

type ResponseComplete struct{}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (StartSession) Type() MessageType     { return TypeStartSession }
func (EndSession) Type() MessageType       { return TypeEndSession }
func (ClearHistory) Type() MessageType     { return TypeClearHistory }
func (SessionStart) Type() MessageType     { return TypeSessionStart }
func (ConnectionStatus) Type() MessageType { return TypeConnectionStatus }
func (Transcription) Type() MessageType    { return TypeTranscription }
func (AIResponse) Type() MessageType       { return TypeAIResponse }
func (TTSChunk) Type() MessageType         { return TypeTTSChunk }
func (ResponseComplete) Type() MessageType { return TypeResponseComplete }
func (ErrorEvent) Type() MessageType       { return TypeError }

func (StartSession) payload()     {}
func (EndSession) payload()       {}
func (ClearHistory) payload()     {}
func (SessionStart) payload()     {}
func (ConnectionStatus) payload() {}
func (Transcription) payload()    {}
func (AIResponse) payload()       {}
func (TTSChunk) payload()         {}
func (ResponseComplete) payload() {}
func (ErrorEvent) payload()       {}

// NewMessage stamps a payload with the current time.
func NewMessage(p Payload, sessionID string) Message {
	return Message{
		Type:      p.Type(),
		Data:      p,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}

func Encode(msg Message) ([]byte, error) {
	if msg.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrInvalidMessage, msg.Type)
	}
	if msg.Type == "" {
		msg.Type = msg.Data.Type()
	}
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return json.Marshal(wireMessage{
		Type:      msg.Type,
		Data:      data,
		Timestamp: msg.Timestamp,
		SessionID: msg.SessionID,
	})
}

// ParseClientMessage decodes a client-to-relay control message. start_session
// accepts its config either under data.config or at the top level.
func ParseClientMessage(raw []byte) (Message, error) {
	wire, err := decodeEnvelope(raw)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Type: wire.Type, Timestamp: wire.Timestamp, SessionID: wire.SessionID}
	switch wire.Type {
	case TypeStartSession:
		var p StartSession
		if err := decodeData(wire.Data, &p); err != nil {
			return Message{}, err
		}
		if p.Config == (SessionConfig{}) && len(wire.Config) > 0 {
			if err := json.Unmarshal(wire.Config, &p.Config); err != nil {
				return Message{}, fmt.Errorf("%w: config: %v", ErrInvalidMessage, err)
			}
		}
		msg.Data = p
	case TypeEndSession:
		msg.Data = EndSession{}
	case TypeClearHistory:
		msg.Data = ClearHistory{}
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnsupportedType, wire.Type)
	}
	return msg, nil
}

// ParseServerMessage decodes a relay-to-client message.
func ParseServerMessage(raw []byte) (Message, error) {
	wire, err := decodeEnvelope(raw)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Type: wire.Type, Timestamp: wire.Timestamp, SessionID: wire.SessionID}
	var p Payload
	switch wire.Type {
	case TypeSessionStart:
		var v SessionStart
		err = decodeData(wire.Data, &v)
		p = v
	case TypeConnectionStatus:
		var v ConnectionStatus
		err = decodeData(wire.Data, &v)
		p = v
	case TypeTranscription:
		var v Transcription
		err = decodeData(wire.Data, &v)
		p = v
	case TypeAIResponse:
		var v AIResponse
		err = decodeData(wire.Data, &v)
		p = v
	case TypeTTSChunk:
		var v TTSChunk
		err = decodeData(wire.Data, &v)
		p = v
	case TypeResponseComplete:
		p = ResponseComplete{}
	case TypeError:
		var v ErrorEvent
		err = decodeData(wire.Data, &v)
		p = v
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnsupportedType, wire.Type)
	}
	if err != nil {
		return Message{}, err
	}
	msg.Data = p
	return msg, nil
}

func decodeEnvelope(raw []byte) (wireMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return wireMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if wire.Type == "" {
		return wireMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return wire, nil
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: data: %v", ErrInvalidMessage, err)
	}
	return nil
}
