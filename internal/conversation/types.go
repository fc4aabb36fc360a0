package conversation

import (
	"context"
	"errors"
	"time"
)

const DefaultMaxTurns = 5

var ErrNotFound = errors.New("conversation not found")

// Turn is one user input with the assistant's reply. Turns are never edited.
type Turn struct {
	ID                string    `json:"id"`
	UserInput         string    `json:"userInput"`
	AssistantResponse string    `json:"assistantResponse"`
	Timestamp         time.Time `json:"timestamp"`
	AudioURL          string    `json:"audioUrl,omitempty"`
}

// Context is the persisted window. len(Turns) <= MaxTurns after every mutation.
type Context struct {
	Turns     []Turn `json:"turns"`
	MaxTurns  int    `json:"maxTurns"`
	SessionID string `json:"sessionId"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// LLMMessage is one entry of the flattened chat history.
type LLMMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store persists one serialized Context per key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, snapshot []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
