package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentfabric/envelope"
)

// PipeLink is one end of an in-process link. Envelopes are passed by value
// without encoding.
type PipeLink struct {
	id   string
	peer *PipeLink

	recv chan envelope.Envelope
	done chan struct{}
	once sync.Once
	mu   sync.RWMutex // held for reading by senders into recv
}

// Pipe returns two connected link ends. Closing either end closes both.
// Empty ids are replaced with random ones.
func Pipe(idA, idB string) (*PipeLink, *PipeLink) {
	if idA == "" {
		idA = uuid.NewString()
	}
	if idB == "" {
		idB = uuid.NewString()
	}
	size := DefaultConfig().RecvBufferSize
	a := &PipeLink{id: idA, recv: make(chan envelope.Envelope, size), done: make(chan struct{})}
	b := &PipeLink{id: idB, recv: make(chan envelope.Envelope, size), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// ID returns the link id.
func (p *PipeLink) ID() string { return p.id }

// Recv returns the channel for incoming envelopes.
func (p *PipeLink) Recv() <-chan envelope.Envelope { return p.recv }

// Done is closed once the link has shut down.
func (p *PipeLink) Done() <-chan struct{} { return p.done }

// Send hands env to the other end, waiting for buffer space.
func (p *PipeLink) Send(env envelope.Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	peer := p.peer
	peer.mu.RLock()
	defer peer.mu.RUnlock()
	select {
	case <-peer.done:
		return ErrClosed
	default:
	}

	select {
	case peer.recv <- env:
		return nil
	case <-peer.done:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	}
}

// Run blocks until ctx is cancelled or the pipe is closed.
func (p *PipeLink) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	case <-p.done:
		return nil
	}
}

// Close shuts down both ends.
func (p *PipeLink) Close() error {
	p.closeLocal()
	p.peer.closeLocal()
	return nil
}

func (p *PipeLink) closeLocal() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		close(p.recv)
		p.mu.Unlock()
	})
}
