package sentinel

import (
	"errors"
	"sync"

	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/transport"
)

// peer is one attached link and what its hello told us about the other end.
type peer struct {
	link   transport.Link
	id     string
	logger *logging.Logger
	limit  int

	mu     sync.Mutex
	role   string
	nodeID string
	queue  []envelope.Envelope

	hello     chan struct{}
	helloOnce sync.Once
	wake      chan struct{}
	stopped   chan struct{}
}

func newPeer(link transport.Link, limit int, logger *logging.Logger) *peer {
	return &peer{
		link:    link,
		id:      link.ID(),
		logger:  logger,
		limit:   limit,
		hello:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// greet records the peer's hello. Only the first hello counts.
func (p *peer) greet(c *envelope.Control) bool {
	first := false
	p.helloOnce.Do(func() {
		p.mu.Lock()
		p.role = c.Role
		p.nodeID = c.NodeID
		p.mu.Unlock()
		close(p.hello)
		first = true
	})
	return first
}

func (p *peer) identity() (role, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role, p.nodeID
}

func (p *peer) isSentinel() bool {
	role, _ := p.identity()
	return role == envelope.RoleSentinel
}

// enqueue queues env for the link without blocking the caller. It reports
// false when the queue is full.
func (p *peer) enqueue(env envelope.Envelope) bool {
	p.mu.Lock()
	if len(p.queue) >= p.limit {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, env)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// writeLoop hands queued envelopes to the link in order until the link ends.
func (p *peer) writeLoop() {
	defer close(p.stopped)
	for {
		select {
		case <-p.link.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, env := range batch {
			if err := p.link.Send(env); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return
				}
				p.logger.EnvelopeDropped(env.ID, env.To.String(), err)
			}
		}
	}
}
