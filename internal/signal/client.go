// Package signal is the participant side of the relay protocol: a WebSocket
// client that sends events, routes acknowledgements to pending requests and
// dispatches everything else to registered handlers.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
	"github.com/mossy-p/roomcall/internal/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

var (
	ErrClosed           = errors.New("signaling client closed")
	ErrDisconnected     = errors.New("signaling connection lost")
	ErrAlreadyConnected = errors.New("signaling client already connected")
)

var (
	_ negotiation.Transport          = (*Client)(nil)
	_ negotiation.Reconnector        = (*Client)(nil)
	_ negotiation.DisconnectNotifier = (*Client)(nil)
)

// Options configures a Client.
type Options struct {
	// URL is the relay base URL. http and https are mapped to ws and wss.
	URL  string
	Path string

	// Subprotocols are offered in order. The relay's pick selects the codec.
	Subprotocols []string

	Reconnect         bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Client is a relay connection. It is safe for concurrent use.
type Client struct {
	opts   Options
	target string
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *connection
	closed       bool
	started      bool
	handlers     map[models.Event][]func(wire.Message)
	onReconnect  []func()
	onDisconnect []func(error)
	pending      map[uint64]chan wire.Message
	nextID       uint64

	qmu   sync.Mutex
	queue []wire.Message
	wake  chan struct{}
}

// connection is one dialed socket and its pumps.
type connection struct {
	ws     *websocket.Conn
	codec  wire.Codec
	writes chan writeRequest
	done   chan struct{}
	once   sync.Once
}

type writeRequest struct {
	data   []byte
	result chan error
}

// New validates opts. Nothing is dialed until Connect.
func New(opts Options) (*Client, error) {
	target, err := socketURL(opts.URL, opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		target:   target,
		log:      logger.With("component", "signal"),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[models.Event][]func(wire.Message)),
		pending:  make(map[uint64]chan wire.Message),
		wake:     make(chan struct{}, 1),
	}, nil
}

func socketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme", base)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u.String(), nil
}

// Connect dials the relay. Close aborts a dial in progress.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	if !c.install(conn) {
		return ErrClosed
	}

	go c.dispatch()
	c.log.Info("connected to relay", "url", c.target, "codec", conn.codec.Name())
	return nil
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The dial context only bounds the TCP connect. Close must also cut off
	// the handshake read, so it closes the raw socket.
	var (
		rawMu   sync.Mutex
		raw     net.Conn
		aborted bool
	)
	stop := context.AfterFunc(c.ctx, func() {
		cancel()
		rawMu.Lock()
		defer rawMu.Unlock()
		aborted = true
		if raw != nil {
			raw.Close()
		}
	})
	defer stop()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Subprotocols:     c.opts.Subprotocols,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			rawMu.Lock()
			defer rawMu.Unlock()
			if aborted {
				conn.Close()
				return nil, ErrClosed
			}
			raw = conn
			return conn, nil
		},
	}
	ws, _, err := dialer.DialContext(dialCtx, c.target, nil)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.target, err)
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &connection{
		ws:     ws,
		codec:  wire.ForSubprotocol(ws.Subprotocol()),
		writes: make(chan writeRequest),
		done:   make(chan struct{}),
	}, nil
}

// install makes conn current and starts its pumps. It reports false, and
// shuts conn down, if the client was closed meanwhile.
func (c *Client) install(conn *connection) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.shutdown()
		conn.ws.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)
	return true
}

// Codec reports the codec of the current connection, or nil when there is none.
func (c *Client) Codec() wire.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.codec
}

// On registers fn for event. Handlers run one at a time, in arrival order,
// on a goroutine owned by the client.
func (c *Client) On(event models.Event, fn func(wire.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// OnReconnect registers fn to run after the connection is re-established.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// OnDisconnect registers fn to run when the connection is lost for good.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Emit sends event and returns once the frame is written.
func (c *Client) Emit(ctx context.Context, event models.Event, data any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	b, err := encode(conn.codec, event, 0, data)
	if err != nil {
		return err
	}
	return conn.write(ctx, b)
}

// Request sends event and waits for the relay's ack, decoding it into reply.
func (c *Client) Request(ctx context.Context, event models.Event, data, reply any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan wire.Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	b, err := encode(conn.codec, event, id, data)
	if err != nil {
		return err
	}
	if err := conn.write(ctx, b); err != nil {
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			if c.ctx.Err() != nil {
				return ErrClosed
			}
			return ErrDisconnected
		}
		if reply == nil {
			return nil
		}
		if err := msg.Decode(reply); err != nil {
			return fmt.Errorf("failed to decode %s ack: %w", event, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.shutdown()
	}
	c.log.Debug("client closed")
	return nil
}

func (c *Client) current() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.conn == nil:
		return nil, ErrDisconnected
	}
	return c.conn, nil
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func encode(codec wire.Codec, event models.Event, id uint64, data any) ([]byte, error) {
	f, err := wire.NewFrame(codec, event, id, "", data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	b, err := codec.EncodeFrame(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return b, nil
}

func (conn *connection) write(ctx context.Context, b []byte) error {
	req := writeRequest{data: b, result: make(chan error, 1)}
	select {
	case conn.writes <- req:
	case <-conn.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-conn.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (conn *connection) shutdown() {
	conn.once.Do(func() { close(conn.done) })
}

// readPump reads frames from the WebSocket connection. Acks are routed to
// their pending request here so a handler blocked on Request cannot stall them.
func (c *Client) readPump(conn *connection) {
	var err error
	defer func() {
		conn.shutdown()
		conn.ws.Close()
		c.dropped(conn, err)
	}()

	for {
		var message []byte
		_, message, err = conn.ws.ReadMessage()
		if err != nil {
			return
		}

		frame, decodeErr := conn.codec.DecodeFrame(message)
		if decodeErr != nil {
			c.log.Warn("failed to parse frame", "error", decodeErr)
			continue
		}
		msg := wire.NewMessage(conn.codec, frame)

		if frame.Event == models.EventAck {
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if !ok {
				c.log.Debug("dropping unsolicited ack", "id", frame.ID)
				continue
			}
			ch <- msg
			continue
		}
		c.enqueue(msg)
	}
}

// writePump serializes writes and keeps the connection alive with pings.
func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case req := <-conn.writes:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.ws.WriteMessage(conn.codec.MessageType(), req.data)
			req.result <- err
			if err != nil {
				c.log.Debug("failed to write message", "error", err)
				conn.shutdown()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.shutdown()
				return
			}

		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dropped handles the end of conn's read loop.
func (c *Client) dropped(conn *connection, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	c.log.Warn("relay connection lost", "error", cause)
	if !c.opts.Reconnect {
		c.disconnected(fmt.Errorf("%w: %v", ErrDisconnected, cause))
		return
	}
	go c.reconnect(cause)
}

// reconnect redials with a fixed delay until it succeeds, the attempts run
// out or the client is closed.
func (c *Client) reconnect(cause error) {
	last := cause
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-c.ctx.Done():
			return
		}

		conn, err := c.dial(c.ctx)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			last = err
			continue
		}
		if !c.install(conn) {
			return
		}

		c.log.Info("reconnected to relay", "attempt", attempt)
		c.mu.Lock()
		hooks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return
	}

	c.disconnected(fmt.Errorf("%w after %d attempts: %v", ErrDisconnected, c.opts.ReconnectAttempts, last))
}

func (c *Client) disconnected(err error) {
	c.mu.Lock()
	hooks := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (c *Client) enqueue(msg wire.Message) {
	c.qmu.Lock()
	c.queue = append(c.queue, msg)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events to handlers until the client is closed.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}

		for {
			c.qmu.Lock()
			if len(c.queue) == 0 {
				c.qmu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.qmu.Unlock()

			if c.ctx.Err() != nil {
				return
			}
			c.deliver(msg)
		}
	}
}

func (c *Client) deliver(msg wire.Message) {
	c.mu.Lock()
	handlers := append([]func(wire.Message){}, c.handlers[msg.Event]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug("no handler for event", "event", msg.Event)
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}
