package main

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/conversation"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/playback"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/transport"
)

// sender is the part of the transport client a call needs.
type sender interface {
	Send(protocol.Message) error
}

// call reacts to relay events for one talk session: it starts the upstream on
// connect, prints transcripts, plays audio, and records finished turns.
type call struct {
	session protocol.SessionConfig
	conn    sender
	player  *playback.Player
	conv    *conversation.Manager
	latency *observability.LatencyWindow
	out     io.Writer

	// lastSpeech reports when capture last sent a speech frame.
	lastSpeech func() time.Time

	ready        chan struct{}
	responseDone chan struct{}
	readyOnce    sync.Once

	mu           sync.Mutex
	sessionID    string
	pendingUser  string
	transcriptAt time.Time
	firstAudio   bool
}

func newCall(session protocol.SessionConfig, player *playback.Player, conv *conversation.Manager, latency *observability.LatencyWindow, out io.Writer) *call {
	return &call{
		session:      session,
		player:       player,
		conv:         conv,
		latency:      latency,
		out:          out,
		ready:        make(chan struct{}),
		responseDone: make(chan struct{}, 1),
	}
}

func (c *call) handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		fmt.Fprintln(c.out, "* connected to relay")
		if err := c.conn.Send(protocol.NewMessage(protocol.StartSession{Config: c.session}, "")); err != nil {
			log.Printf("voicecall: send start_session: %v", err)
		}
	case transport.Disconnected:
		fmt.Fprintln(c.out, "* disconnected from relay")
		c.player.Stop()
	case transport.Failed:
		fmt.Fprintf(c.out, "* connection error: %v\n", e.Err)
	case transport.Received:
		c.handleMessage(e.Message)
	}
}

func (c *call) handleMessage(msg protocol.Message) {
	switch p := msg.Data.(type) {
	case protocol.SessionStart:
		c.mu.Lock()
		c.sessionID = p.SessionID
		c.mu.Unlock()
		printVerbose("relay session %s", p.SessionID)
	case protocol.ConnectionStatus:
		fmt.Fprintf(c.out, "* assistant %s\n", p.Status)
		if p.Status == protocol.StatusConnected {
			c.readyOnce.Do(func() { close(c.ready) })
		}
	case protocol.Transcription:
		if !p.IsFinal {
			return
		}
		now := time.Now()
		c.mu.Lock()
		c.pendingUser = p.Text
		c.transcriptAt = now
		c.firstAudio = false
		c.mu.Unlock()
		if c.lastSpeech != nil {
			if t := c.lastSpeech(); !t.IsZero() && now.After(t) {
				c.latency.Observe(observability.StageSpeechToText, now.Sub(t))
			}
		}
		fmt.Fprintf(c.out, "You: %s\n", p.Text)
	case protocol.AIResponse:
		if !p.IsFinal {
			fmt.Fprint(c.out, p.Text)
			return
		}
		fmt.Fprintln(c.out)
		c.mu.Lock()
		user := c.pendingUser
		c.pendingUser = ""
		c.mu.Unlock()
		c.conv.AddTurn(user, p.Text, "")
	case protocol.TTSChunk:
		c.mu.Lock()
		first := !c.firstAudio && !c.transcriptAt.IsZero()
		c.firstAudio = true
		since := c.transcriptAt
		c.mu.Unlock()
		if first {
			c.latency.Observe(observability.StageFirstAudio, time.Since(since))
		}
		if err := c.player.AddChunkFromBase64(p.Audio); err != nil {
			log.Printf("voicecall: bad audio chunk %s: %v", p.SequenceID, err)
		}
	case protocol.ResponseComplete:
		c.mu.Lock()
		since := c.transcriptAt
		c.mu.Unlock()
		if !since.IsZero() {
			c.latency.Observe(observability.StageResponseTotal, time.Since(since))
		}
		select {
		case c.responseDone <- struct{}{}:
		default:
		}
	case protocol.ErrorEvent:
		fmt.Fprintf(c.out, "* relay error: %s\n", p.Message)
	}
}

func (c *call) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
