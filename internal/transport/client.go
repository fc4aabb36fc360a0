// Package transport is the client side of the relay connection: a duplex
// message channel that reconnects on unexpected closes and reports typed events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrQueueFull    = errors.New("transport send queue full")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Conn is the socket primitive the client runs over. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type Options struct {
	URL                  string
	Dialer               Dialer
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// Backoff is BackoffFixed (default) or BackoffExponential.
	Backoff           string
	MaxReconnectDelay time.Duration
	SendQueueSize     int
	// Handler receives every event. Connected, Disconnected and Received are
	// delivered in order from the client's loop goroutine; Failed events from
	// Send are reported on the caller's goroutine.
	Handler func(Event)
}

type frame struct {
	typ  int
	data []byte
	// flushed marks a Flush barrier; the writer closes it instead of writing.
	flushed chan struct{}
}

type connection struct {
	ws   Conn
	out  chan frame
	done chan struct{}
}

type Client struct {
	opts Options

	mu       sync.Mutex
	state    State
	attempts int
	conn     *connection
	cancel   context.CancelFunc
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffFixed
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.Handler == nil {
		opts.Handler = func(Event) {}
	}
	return &Client{opts: opts}
}

// Connect starts the connection loop and returns the result of the first
// dial. A failed first dial still schedules reconnects. Calling Connect while
// a loop is running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.attempts = 0
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(loopCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context, first chan<- error) {
	for {
		ws, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err == nil {
			conn := c.open(ws)
			if first != nil {
				first <- nil
				first = nil
			}
			c.opts.Handler(Connected{})
			readErr := c.serve(ctx, conn)
			c.teardown(conn)
			c.opts.Handler(Disconnected{Err: readErr})
		} else if ctx.Err() == nil {
			log.Printf("transport: dial failed: %v", err)
			c.opts.Handler(Failed{Err: err})
			if first != nil {
				first <- err
				first = nil
			}
		}

		if ctx.Err() != nil {
			if first != nil {
				first <- ctx.Err()
			}
			c.markClosed()
			return
		}

		delay, ok := c.nextAttempt()
		if !ok {
			log.Printf("transport: giving up after %d reconnect attempts", c.opts.MaxReconnectAttempts)
			return
		}
		log.Printf("transport: reconnecting in %s (attempt %d/%d)", delay, c.Attempts(), c.opts.MaxReconnectAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.markClosed()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) open(ws Conn) *connection {
	conn := &connection{
		ws:   ws,
		out:  make(chan frame, c.opts.SendQueueSize),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-conn.done:
				return
			case f := <-conn.out:
				if f.flushed != nil {
					close(f.flushed)
					continue
				}
				if err := ws.WriteMessage(f.typ, f.data); err != nil {
					log.Printf("transport: write failed: %v", err)
					_ = ws.Close()
					return
				}
			}
		}
	}()
	return conn
}

// serve dispatches inbound frames until the socket fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *connection) error {
	inbound := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			typ, data, err := conn.ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- frame{typ: typ, data: data}:
			case <-conn.done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case f := <-inbound:
			c.dispatch(f)
		}
	}
}

func (c *Client) dispatch(f frame) {
	if f.typ != websocket.TextMessage {
		return
	}
	msg, err := protocol.ParseServerMessage(f.data)
	if errors.Is(err, protocol.ErrUnsupportedType) {
		log.Printf("transport: ignoring message type %q", msg.Type)
		return
	}
	if err != nil {
		log.Printf("transport: failed to parse message: %v", err)
		return
	}
	c.opts.Handler(Received{Message: msg})
}

func (c *Client) teardown(conn *connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	close(conn.done)
	_ = conn.ws.Close()
}

// nextAttempt advances the reconnect counter, or parks the client in Idle
// once the limit is reached.
func (c *Client) nextAttempt() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return 0, false
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = StateIdle
		return 0, false
	}
	c.attempts++
	c.state = StateReconnecting
	if c.opts.Backoff == BackoffExponential {
		return reliability.ExponentialBackoff(c.attempts-1, c.opts.ReconnectDelay, c.opts.MaxReconnectDelay), true
	}
	return c.opts.ReconnectDelay, true
}

// Send writes a control message if the socket is open. Frames are never
// buffered across reconnects.
func (c *Client) Send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame{typ: websocket.TextMessage, data: raw})
}

// SendBinary writes raw PCM16 audio if the socket is open.
func (c *Client) SendBinary(data []byte) error {
	return c.enqueue(frame{typ: websocket.BinaryMessage, data: data})
}

func (c *Client) enqueue(f frame) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.opts.Handler(Failed{Err: ErrNotConnected})
		return ErrNotConnected
	}
	select {
	case <-conn.done:
		c.opts.Handler(Failed{Err: ErrNotConnected})
		return ErrNotConnected
	case conn.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush blocks until every frame queued before the call has been written to
// the current socket.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	barrier := frame{flushed: make(chan struct{})}
	select {
	case conn.out <- barrier:
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier.flushed:
		return nil
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket and suppresses reconnects. Safe to call in
// any state and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	if c.state != StateIdle {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.ws.Close()
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnects since the last successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// markClosed settles the state after Disconnect unless a newer Connect has
// already taken over.
func (c *Client) markClosed() {
	c.mu.Lock()
	if c.cancel == nil {
		c.state = StateClosed
	}
	c.mu.Unlock()
}
