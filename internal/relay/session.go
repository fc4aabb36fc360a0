package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/conversation"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingUpstream State = "awaiting_upstream"
	StateBridging         State = "bridging"
	StateClosed           State = "closed"
)

const (
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
	readTimeout       = 120 * time.Second
	pingInterval      = 30 * time.Second
	readLimit         = 2 << 20

	msgProcessFailed    = "Failed to process message"
	msgUpstreamConnFail = "upstream connection error"
)

type HistoryEntry struct {
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
}

type SessionInfo struct {
	ID            string    `json:"session_id"`
	State         State     `json:"state"`
	Upstream      bool      `json:"upstream_connected"`
	HistoryLength int       `json:"history_length"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session owns one client socket and at most one upstream connection.
// The client socket has a single writer goroutine fed by outbound.
type Session struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	createdAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan []byte

	mu          sync.Mutex
	state       State
	dialing     bool
	upstream    UpstreamSession
	history     []HistoryEntry
	pendingUser string
	transcript  time.Time
	awaitAudio  bool
	conv        *conversation.Manager

	closeOnce sync.Once
}

func newSession(parent context.Context, h *Hub, id string, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        id,
		hub:       h,
		conn:      conn,
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan []byte, outboundQueueSize),
		state:     StateIdle,
	}
	if h.store != nil {
		s.conv = conversation.NewManager(h.store, id, h.cfg.ConversationMaxTurns)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.setState(StateAwaitingUpstream)
	s.send(protocol.SessionStart{SessionID: s.id})
	log.Printf("relay: client connected %s", s.id)

	s.readLoop()

	s.close()
	<-writerDone
	_ = s.conn.Close()
	log.Printf("relay: client disconnected %s", s.id)
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.debugf("read %s: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType == websocket.BinaryMessage && len(data) > s.hub.cfg.MinAudioFrameBytes {
			s.forwardAudio(data)
			continue
		}
		s.handleControl(data)
	}
}

func (s *Session) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.hub.metrics.SessionEvents.WithLabelValues("write_error").Inc()
				s.hub.debugf("write %s: %v", s.id, err)
				s.cancel()
				_ = s.conn.Close()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}

// send queues a message for the client in FIFO order. It only blocks while
// the writer is behind and gives up once the session is cancelled.
func (s *Session) send(p protocol.Payload) {
	raw, err := protocol.Encode(protocol.NewMessage(p, s.id))
	if err != nil {
		log.Printf("relay: encode %s for %s: %v", p.Type(), s.id, err)
		return
	}
	select {
	case s.outbound <- raw:
		s.hub.metrics.WSMessages.WithLabelValues("outbound", string(p.Type())).Inc()
		s.hub.metrics.ObserveOutboundMessage(string(p.Type()), "queued")
	case <-s.ctx.Done():
		s.hub.metrics.ObserveOutboundMessage(string(p.Type()), "dropped_closed")
	}
}

func (s *Session) forwardAudio(pcm []byte) {
	s.mu.Lock()
	up := s.upstream
	bridging := s.state == StateBridging
	s.mu.Unlock()

	if !bridging || up == nil {
		s.hub.debugf("drop %d audio bytes for %s: not bridging", len(pcm), s.id)
		return
	}
	if err := up.AppendAudio(pcm); err != nil {
		s.hub.debugf("append audio %s: %v", s.id, err)
		return
	}
	s.hub.metrics.WSMessages.WithLabelValues("inbound", "audio").Inc()
	s.hub.metrics.AudioBytesForwarded.Add(float64(len(pcm)))
}

func (s *Session) handleControl(data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnsupportedType) {
		log.Printf("relay: ignoring unknown control message %q from %s", msg.Type, s.id)
		return
	}
	if err != nil {
		log.Printf("relay: bad message from %s: %v", s.id, err)
		s.send(protocol.ErrorEvent{Message: msgProcessFailed})
		return
	}
	s.hub.metrics.WSMessages.WithLabelValues("inbound", string(msg.Type)).Inc()

	switch p := msg.Data.(type) {
	case protocol.StartSession:
		s.startUpstream(p.Config)
	case protocol.EndSession:
		s.shutdown(websocket.CloseNormalClosure, "session ended")
	case protocol.ClearHistory:
		s.mu.Lock()
		s.history = nil
		s.pendingUser = ""
		conv := s.conv
		s.mu.Unlock()
		if conv != nil {
			conv.Clear()
		}
	}
}

func (s *Session) startUpstream(cfg protocol.SessionConfig) {
	s.mu.Lock()
	if s.state != StateAwaitingUpstream || s.dialing {
		state := s.state
		s.mu.Unlock()
		log.Printf("relay: ignoring start_session for %s in state %s", s.id, state)
		return
	}
	s.dialing = true
	s.mu.Unlock()

	go s.dialUpstream(s.sessionConfig(cfg))
}

func (s *Session) sessionConfig(cfg protocol.SessionConfig) realtime.SessionConfig {
	hc := s.hub.cfg
	sc := realtime.SessionConfig{
		Voice:              hc.Voice,
		Instructions:       hc.Instructions,
		TranscriptionModel: hc.TranscriptionModel,
		VADThreshold:       hc.VADThreshold,
		PrefixPadding:      hc.VADPrefixPadding,
		SilenceDuration:    hc.VADSilenceDuration,
	}
	if cfg.Voice != "" {
		sc.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		sc.Instructions = cfg.Instructions
	}
	return sc
}

func (s *Session) dialUpstream(sc realtime.SessionConfig) {
	hc := s.hub.cfg
	started := time.Now()

	var up UpstreamSession
	err := reliability.Retry(s.ctx, hc.DialRetries, hc.DialRetryDelay, func(ctx context.Context) error {
		return reliability.WithTimeout(ctx, hc.DialTimeout, func(ctx context.Context) error {
			var err error
			up, err = s.hub.upstream.Connect(ctx, sc)
			return err
		})
	})

	s.mu.Lock()
	s.dialing = false
	if err != nil {
		s.mu.Unlock()
		s.hub.metrics.UpstreamErrors.WithLabelValues("dial").Inc()
		log.Printf("relay: upstream dial for %s failed: %v", s.id, err)
		s.send(protocol.ErrorEvent{Message: fmt.Sprintf("Failed to connect to upstream: %v", err)})
		return
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = up.Close()
		return
	}
	s.upstream = up
	s.state = StateBridging
	s.mu.Unlock()

	s.hub.metrics.ObserveUpstreamConnect(time.Since(started))
	s.hub.metrics.SessionEvents.WithLabelValues("upstream_connected").Inc()
	log.Printf("relay: upstream connected for %s", s.id)
	s.send(protocol.ConnectionStatus{Status: protocol.StatusConnected})

	go s.pumpUpstream(up)
}

// pumpUpstream translates upstream events until the upstream closes. If the
// session is still alive afterwards it returns to AwaitingUpstream.
func (s *Session) pumpUpstream(up UpstreamSession) {
	for ev := range up.Events() {
		s.translate(ev)
	}
	_ = up.Close()

	s.mu.Lock()
	if s.upstream != up {
		s.mu.Unlock()
		return
	}
	s.upstream = nil
	s.state = StateAwaitingUpstream
	s.mu.Unlock()

	log.Printf("relay: upstream closed for %s", s.id)
	s.send(protocol.ConnectionStatus{Status: protocol.StatusDisconnected})
}

func (s *Session) translate(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventTranscriptionCompleted:
		s.mu.Lock()
		s.appendHistoryLocked(conversation.RoleUser, ev.Transcript)
		s.pendingUser = ev.Transcript
		s.transcript = time.Now()
		s.awaitAudio = true
		s.mu.Unlock()
		s.send(protocol.Transcription{Text: ev.Transcript, IsFinal: true})

	case realtime.EventResponseAudioDelta:
		s.mu.Lock()
		first := s.awaitAudio
		s.awaitAudio = false
		since := s.transcript
		s.mu.Unlock()
		if first && !since.IsZero() {
			s.hub.metrics.ObserveFirstAudioLatency(time.Since(since))
		}
		s.send(protocol.TTSChunk{Audio: ev.Delta, SequenceID: ev.ResponseID})

	case realtime.EventResponseTranscriptDelta:
		s.send(protocol.AIResponse{Text: ev.Delta, IsFinal: false})

	case realtime.EventResponseTranscriptDone:
		s.mu.Lock()
		s.appendHistoryLocked(conversation.RoleAssistant, ev.Transcript)
		user := s.pendingUser
		s.pendingUser = ""
		conv := s.conv
		s.mu.Unlock()
		if conv != nil {
			conv.AddTurn(user, ev.Transcript, "")
		}
		s.send(protocol.AIResponse{Text: ev.Transcript, IsFinal: true})

	case realtime.EventResponseDone:
		s.mu.Lock()
		since := s.transcript
		s.transcript = time.Time{}
		s.mu.Unlock()
		if !since.IsZero() {
			s.hub.metrics.ObserveStage(observability.StageResponseTotal, time.Since(since))
		}
		s.send(protocol.ResponseComplete{})

	case realtime.EventError:
		msg, code := "upstream error", "unknown"
		if ev.Error != nil {
			msg = ev.Error.Message
			if ev.Error.Code != "" {
				code = ev.Error.Code
			} else if ev.Error.Type != "" {
				code = ev.Error.Type
			}
		}
		s.hub.metrics.UpstreamErrors.WithLabelValues(code).Inc()
		log.Printf("relay: upstream error for %s: %s (retryable=%v)", s.id, msg, ev.Retryable())
		s.send(protocol.ErrorEvent{Message: msg})

	case realtime.EventTransportError:
		s.hub.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
		s.hub.metrics.ObserveIndicator("upstream_transport_error")
		log.Printf("relay: upstream socket error for %s: %v", s.id, ev.Err)
		s.send(protocol.ErrorEvent{Message: msgUpstreamConnFail})

	default:
		s.hub.debugf("upstream event %s for %s", ev.Type, s.id)
	}
}

func (s *Session) appendHistoryLocked(role conversation.Role, content string) {
	s.history = append(s.history, HistoryEntry{Role: role, Content: content, CreatedAt: time.Now().UTC()})
	if over := len(s.history) - s.hub.cfg.HistoryLimit; over > 0 {
		s.history = append([]HistoryEntry(nil), s.history[over:]...)
	}
}

func (s *Session) historySnapshot() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		State:         s.state,
		Upstream:      s.upstream != nil,
		HistoryLength: len(s.history),
		CreatedAt:     s.createdAt,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// close releases the upstream, marks the session Closed, and deregisters it.
// Safe to call from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		up := s.upstream
		s.upstream = nil
		s.mu.Unlock()

		if up != nil {
			_ = up.Close()
		}
		s.cancel()
		if s.conv != nil {
			s.conv.Discard()
		}
		s.hub.deregister(s.id)
	})
}

// shutdown closes the session and tells the client why before dropping the socket.
func (s *Session) shutdown(code int, reason string) {
	s.close()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	_ = s.conn.Close()
}
