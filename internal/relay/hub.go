// Package relay bridges client WebSocket sessions to an upstream realtime
// speech API, translating events in both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/conversation"
	"github.com/ent0n29/voicebridge/internal/observability"
)

var (
	ErrHubClosed = errors.New("relay hub closed")
	ErrNotFound  = errors.New("session not found")
)

type Config struct {
	Voice              string
	Instructions       string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration

	MinAudioFrameBytes int
	HistoryLimit       int

	DialTimeout    time.Duration
	DialRetries    int
	DialRetryDelay time.Duration

	// ConversationMaxTurns bounds the per-session window kept in Store.
	ConversationMaxTurns int

	Debug bool
}

func (c Config) withDefaults() Config {
	if c.MinAudioFrameBytes < 0 {
		c.MinAudioFrameBytes = 0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.DialRetryDelay <= 0 {
		c.DialRetryDelay = time.Second
	}
	if c.ConversationMaxTurns <= 0 {
		c.ConversationMaxTurns = conversation.DefaultMaxTurns
	}
	return c
}

// Hub is the registry of live sessions. It is the only place session
// existence is recorded.
type Hub struct {
	cfg      Config
	upstream Upstream
	metrics  *observability.Metrics
	store    conversation.Store

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewHub builds a hub. store may be nil, in which case completed turns are
// only kept in the session's in-memory history.
func NewHub(cfg Config, upstream Upstream, metrics *observability.Metrics, store conversation.Store) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		upstream: upstream,
		metrics:  metrics,
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// Serve runs one client connection until it disconnects, ends its session, or
// the hub shuts down. The connection is closed on return.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	s, err := h.register(ctx, conn)
	if err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return err
	}
	defer h.wg.Done()

	s.run()
	return nil
}

func (h *Hub) register(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	id := "session_" + uuid.NewString()
	s := newSession(ctx, h, id, conn)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.sessions[id] = s
	h.wg.Add(1)

	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionEvents.WithLabelValues("connected").Inc()
	return s, nil
}

func (h *Hub) deregister(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if ok {
		h.metrics.ActiveSessions.Dec()
		h.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	}
}

func (h *Hub) lookup(id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (h *Hub) Get(id string) (SessionInfo, error) {
	s, err := h.lookup(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

func (h *Hub) History(id string) ([]HistoryEntry, error) {
	s, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.historySnapshot(), nil
}

// Snapshot lists live sessions, oldest first.
func (h *Hub) Snapshot() []SessionInfo {
	h.mu.RLock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Shutdown refuses new sessions, closes every live one, and waits for their
// goroutines to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	log.Printf("relay: shutting down %d sessions", len(live))
	for _, s := range live {
		s.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (h *Hub) debugf(format string, args ...any) {
	if h.cfg.Debug {
		log.Printf("relay: "+format, args...)
	}
}
