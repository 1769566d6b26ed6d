package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
)

// frameHeaderSize is the length prefix in front of every encoded envelope.
const frameHeaderSize = 4

// StreamLink implements Link over a byte stream such as a TCP connection.
// Each envelope is written as a 4-byte big-endian length followed by the
// codec output.
type StreamLink struct {
	rwc    io.ReadWriteCloser
	config Config

	recv    chan envelope.Envelope
	send    chan envelope.Envelope
	done    chan struct{}
	drained chan struct{}
	mu      sync.Mutex
	wmu     sync.Mutex
	closed  bool
	running bool
}

// NewStreamLink creates a link over rwc. The link owns rwc and closes it.
func NewStreamLink(rwc io.ReadWriteCloser, cfg Config) *StreamLink {
	cfg = cfg.withDefaults()
	return &StreamLink{
		rwc:     rwc,
		config:  cfg,
		recv:    make(chan envelope.Envelope, cfg.RecvBufferSize),
		send:    make(chan envelope.Envelope, cfg.SendBufferSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// DialTCP connects to a TCP listener such as a sentinel.
func DialTCP(ctx context.Context, addr string, cfg Config) (*StreamLink, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewStreamLink(conn, cfg), nil
}

// ID returns the link id.
func (t *StreamLink) ID() string {
	return t.config.ID
}

// Recv returns the channel for incoming envelopes.
func (t *StreamLink) Recv() <-chan envelope.Envelope {
	return t.recv
}

// Done is closed once the link has shut down.
func (t *StreamLink) Done() <-chan struct{} {
	return t.done
}

// Send queues an envelope for delivery.
func (t *StreamLink) Send(env envelope.Envelope) error {
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

// Run starts the link, blocking until ctx ends or the stream hits EOF.
func (t *StreamLink) Run(ctx context.Context) error {
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

// Close initiates graceful shutdown. Queued envelopes are flushed before the
// stream is closed when the link is running.
func (t *StreamLink) Close() error {
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
		<-t.drained
	}
	return t.rwc.Close()
}

// readLoop reads length-prefixed frames and decodes them into envelopes.
func (t *StreamLink) readLoop(ctx context.Context) {
	defer close(t.recv)

	r := bufio.NewReader(t.rwc)
	for {
		data, err := t.readFrame(r)
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				// The stream cannot be resynchronized after an oversized frame.
				t.config.Logger.Error("oversized frame, closing link", map[string]interface{}{
					"link": t.config.ID,
				})
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.config.Logger.Debug("stream read ended", map[string]interface{}{
					"link":  t.config.ID,
					"error": err.Error(),
				})
			}
			return
		}

		env, err := t.config.Codec.Decode(data)
		if err != nil {
			t.config.Logger.Warn("dropping undecodable frame", map[string]interface{}{
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

func (t *StreamLink) readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > t.config.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeLoop reads from send channel and writes to the stream.
func (t *StreamLink) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case env := <-t.send:
			t.writeEnvelope(env)
		}
	}
}

// drainSendQueue writes any remaining envelopes in the send queue.
func (t *StreamLink) drainSendQueue() {
	for {
		select {
		case env := <-t.send:
			t.writeEnvelope(env)
		default:
			return
		}
	}
}

// writeEnvelope encodes and writes a single framed envelope.
func (t *StreamLink) writeEnvelope(env envelope.Envelope) {
	data, err := t.config.Codec.Encode(env)
	if err != nil {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), err)
		return
	}
	if int64(len(data)) > t.config.MaxMessageSize {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), ErrMessageTooLarge)
		return
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := t.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		dl.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if _, err := t.rwc.Write(buf); err != nil {
		t.config.Logger.EnvelopeDropped(env.ID, env.To.String(), err)
	}
}
