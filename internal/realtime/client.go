// Package realtime is a minimal client for the OpenAI Realtime WebSocket API:
// it configures a session, appends input audio, and streams server events.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/reliability"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-mini-realtime-preview-2024-12-17"
)

var ErrClosed = errors.New("realtime session closed")

type Config struct {
	URL         string
	APIKey      string
	Model       string
	DialTimeout time.Duration
}

// SessionConfig is sent once in session.update right after the socket opens.
type SessionConfig struct {
	Voice              string
	Instructions       string
	TranscriptionModel string
	VADThreshold       float64
	PrefixPadding      time.Duration
	SilenceDuration    time.Duration
}

type Client struct {
	cfg    Config
	dialer websocket.Dialer
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// Connect dials the upstream, sends session.update, and starts the reader.
// Authentication failures are marked permanent for reliability.Retry.
func (c *Client) Connect(ctx context.Context, sc SessionConfig) (*Session, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("parse realtime url: %w", err))
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial realtime websocket: status %d: %w", resp.StatusCode, err)
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, reliability.Permanent(err)
			}
			return nil, err
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	if err := s.send(sessionUpdate(sc)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session.update: %w", err)
	}
	go s.readLoop()
	return s, nil
}

// Session is one open upstream connection. Writes are serialized; events are
// delivered in arrival order until the channel is closed.
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   atomic.Bool
	events    chan Event
	done      chan struct{}
}

func (s *Session) Events() <-chan Event { return s.events }

// AppendAudio forwards raw PCM16 LE as input_audio_buffer.append.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.send(clientEvent{
		EventID: eventID(),
		Type:    EventInputAudioBufferAppend,
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *Session) send(ev clientEvent) error {
	if s.closing.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(ev)
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.emit(Event{Type: EventTransportError, Err: err})
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("realtime: skip malformed event: %v", err)
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Close is safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func eventID() string {
	return "evt_" + uuid.New().String()[:12]
}
