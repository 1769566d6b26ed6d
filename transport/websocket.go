package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentfabric/envelope"
)

// WebSocketLink implements Link over a WebSocket connection. Each envelope
// is one WebSocket message: text for the JSON codec, binary otherwise.
type WebSocketLink struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv    chan envelope.Envelope
	send    chan envelope.Envelope
	done    chan struct{}
	drained chan struct{} // closed when the write loop has flushed the queue
	mu      sync.Mutex
	closed  bool
	running bool
}

// WebSocketConfig holds WebSocket link configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// ReadTimeout for read operations (0 = no timeout).
	ReadTimeout time.Duration

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:       DefaultConfig(),
		ReadTimeout:  0,
		PingInterval: 30 * time.Second,
	}
}

// NewWebSocketLink creates a link from an established connection.
func NewWebSocketLink(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketLink {
	cfg.Config = cfg.Config.withDefaults()
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketLink{
		conn:    conn,
		config:  cfg,
		recv:    make(chan envelope.Envelope, cfg.RecvBufferSize),
		send:    make(chan envelope.Envelope, cfg.SendBufferSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Accept upgrades an HTTP request and wraps the connection in a link.
func Accept(w http.ResponseWriter, r *http.Request, cfg WebSocketConfig) (*WebSocketLink, error) {
	conn, err := NewWebSocketUpgrader().Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketLink(conn, cfg), nil
}

// DialWebSocket connects to a WebSocket endpoint such as a sentinel.
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketLink, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketLink(conn, cfg), nil
}

// ID returns the link id.
func (t *WebSocketLink) ID() string {
	return t.config.ID
}

// Recv returns the channel for incoming envelopes.
func (t *WebSocketLink) Recv() <-chan envelope.Envelope {
	return t.recv
}

// Done is closed once the link has shut down.
func (t *WebSocketLink) Done() <-chan struct{} {
	return t.done
}

// Send queues an envelope for delivery.
func (t *WebSocketLink) Send(env envelope.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- env:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run starts the link, blocking until ctx ends or the peer disconnects.
func (t *WebSocketLink) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.closed || t.running {
		t.mu.Unlock()
		return ErrClosed
	}
	t.running = true
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)

	readDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(readDone)
		t.readLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		defer close(t.drained)
		t.writeLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-readDone:
	case <-t.done:
	}

	t.Close()
	wg.Wait()
	return err
}

// Close initiates graceful shutdown. Queued envelopes are flushed before
// the close handshake when the link is running.
func (t *WebSocketLink) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	running := t.running
	close(t.done)
	t.mu.Unlock()

	if running {
		select {
		case <-t.drained:
		case <-time.After(t.config.WriteTimeout):
		}
	}

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return t.conn.Close()
}

// readLoop reads WebSocket messages and decodes them into envelopes.
func (t *WebSocketLink) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.config.Logger.Debug("websocket read ended", map[string]interface{}{
					"link":  t.config.ID,
					"error": err.Error(),
				})
			}
			return
		}

		env, err := t.config.Codec.Decode(data)
		if err != nil {
			t.config.Logger.Warn("dropping undecodable message", map[string]interface{}{
				"link":  t.config.ID,
				"codec": t.config.Codec.Name(),
				"error": err.Error(),
			})
			continue
		}

		select {
		case t.recv <- env:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop reads from send channel and writes to WebSocket.
func (t *WebSocketLink) writeLoop(ctx context.Context) {
	ticker := t.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ticker.C:
			t.writePing()
		case env := <-t.send:
			t.writeEnvelope(env)
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (t *WebSocketLink) createPingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// writePing sends a WebSocket ping frame.
func (t *WebSocketLink) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// drainSendQueue writes remaining envelopes before shutdown.
func (t *WebSocketLink) drainSendQueue() {
	for {
		select {
		case env := <-t.send:
			t.writeEnvelope(env)
		default:
			return
		}
	}
}

// writeEnvelope encodes and writes a single envelope.
func (t *WebSocketLink) writeEnvelope(env envelope.Envelope) {
	data, err := t.config.Codec.Encode(env)
	if err != nil {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), err)
		return
	}
	if int64(len(data)) > t.config.MaxMessageSize {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), ErrMessageTooLarge)
		return
	}

	msgType := websocket.BinaryMessage
	if t.config.Codec.Name() == "json" {
		msgType = websocket.TextMessage
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}

	if err := t.conn.WriteMessage(msgType, data); err != nil {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), err)
	}
}
