package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultStoreKey = "voice_ai_context"
	storeTimeout    = 3 * time.Second
	textTimeLayout  = "2006-01-02 15:04:05"
)

// Manager keeps a bounded, persisted window of conversation turns.
type Manager struct {
	store Store
	key   string

	mu        sync.Mutex
	ctx       Context
	discarded bool
}

// NewManager hydrates from store when a snapshot exists under key. A missing
// or unreadable snapshot starts an empty conversation.
func NewManager(store Store, key string, maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if key == "" {
		key = DefaultStoreKey
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	m := &Manager{
		store: store,
		key:   key,
		ctx:   Context{MaxTurns: maxTurns, SessionID: newSessionID()},
	}
	m.load()
	return m
}

func (m *Manager) AddTurn(userInput, assistantResponse, audioURL string) Turn {
	turn := Turn{
		ID:                "turn_" + uuid.NewString(),
		UserInput:         userInput,
		AssistantResponse: assistantResponse,
		Timestamp:         time.Now(),
		AudioURL:          audioURL,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Turns = append(m.ctx.Turns, turn)
	m.ctx.Turns = window(m.ctx.Turns, m.ctx.MaxTurns)
	m.persistLocked()
	return turn
}

// ContextForLLM flattens turns into alternating user and assistant messages in
// chronological order.
func (m *Manager) ContextForLLM() []LLMMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LLMMessage, 0, 2*len(m.ctx.Turns))
	for _, t := range m.ctx.Turns {
		out = append(out,
			LLMMessage{Role: RoleUser, Content: t.UserInput},
			LLMMessage{Role: RoleAssistant, Content: t.AssistantResponse},
		)
	}
	return out
}

func (m *Manager) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.ctx.Turns...)
}

func (m *Manager) LastN(n int) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(m.ctx.Turns) {
		n = len(m.ctx.Turns)
	}
	return append([]Turn(nil), m.ctx.Turns[len(m.ctx.Turns)-n:]...)
}

func (m *Manager) TurnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ctx.Turns)
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.SessionID
}

func (m *Manager) MaxTurns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.MaxTurns
}

// Clear drops all turns and starts a new logical conversation.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Turns = nil
	m.ctx.SessionID = newSessionID()
	m.persistLocked()
}

// Discard deletes the persisted snapshot. Later mutations stay in memory only.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discarded {
		return
	}
	m.discarded = true
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, m.key); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("conversation: delete %s failed: %v", m.key, err)
	}
}

func (m *Manager) ExportText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := make([]string, 0, len(m.ctx.Turns))
	for _, t := range m.ctx.Turns {
		blocks = append(blocks, fmt.Sprintf("[%s]\nUser: %s\nAssistant: %s\n",
			t.Timestamp.Local().Format(textTimeLayout), t.UserInput, t.AssistantResponse))
	}
	return strings.Join(blocks, "\n---\n\n")
}

func (m *Manager) ExportJSON() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.ctx
	if out.Turns == nil {
		out.Turns = []Turn{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export conversation: %w", err)
	}
	return string(data), nil
}

// ImportJSON replaces the current conversation with an ExportJSON document.
// The configured window still applies.
func (m *Manager) ImportJSON(data string) error {
	var in Context
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return fmt.Errorf("import conversation: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adoptLocked(in)
	m.persistLocked()
	return nil
}

func (m *Manager) adoptLocked(in Context) {
	m.ctx.Turns = window(append([]Turn(nil), in.Turns...), m.ctx.MaxTurns)
	if in.SessionID != "" {
		m.ctx.SessionID = in.SessionID
	}
}

func (m *Manager) load() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	data, err := m.store.Load(ctx, m.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("conversation: load %s failed: %v", m.key, err)
		}
		return
	}
	var in Context
	if err := json.Unmarshal(data, &in); err != nil {
		log.Printf("conversation: discard unreadable snapshot %s: %v", m.key, err)
		return
	}
	m.mu.Lock()
	m.adoptLocked(in)
	m.mu.Unlock()
}

func (m *Manager) persistLocked() {
	if m.discarded {
		return
	}
	data, err := json.Marshal(m.ctx)
	if err != nil {
		log.Printf("conversation: encode %s failed: %v", m.key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, m.key, data); err != nil {
		log.Printf("conversation: save %s failed: %v", m.key, err)
	}
}

func window(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}
	return append([]Turn(nil), turns[len(turns)-max:]...)
}

func newSessionID() string {
	return "session_" + uuid.NewString()
}
