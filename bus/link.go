package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/transport"
)

// Subjects used by bus links, relative to LinkConfig.Prefix:
//
//	<prefix>.up.<node>    node to sentinel
//	<prefix>.down.<node>  sentinel to node
const (
	upToken   = "up"
	downToken = "down"
)

// LinkConfig configures envelope links carried over a message bus.
type LinkConfig struct {
	// Prefix roots the link subjects. Default: "fabric"
	Prefix string

	// Codec serializes envelopes. Default: JSON
	Codec codec.Codec

	// BufferSize for received envelopes. Default: 256
	BufferSize int

	// Logger receives decode failures.
	Logger *logging.Logger
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.Prefix == "" {
		c.Prefix = "fabric"
	}
	if c.Codec == nil {
		c.Codec = codec.JSON{}
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.New().WithComponent("bus")
	}
	return c
}

// validNodeID reports whether id can be used as a single subject token.
func validNodeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// Link is a transport.Link whose envelopes travel as bus messages.
type Link struct {
	id     string
	bus    MessageBus
	outbox string
	in     <-chan *Message
	config LinkConfig

	recv    chan envelope.Envelope
	done    chan struct{}
	once    sync.Once
	onClose func()
}

var _ transport.Link = (*Link)(nil)

func newLink(id string, b MessageBus, outbox string, in <-chan *Message, cfg LinkConfig, onClose func()) *Link {
	return &Link{
		id:      id,
		bus:     b,
		outbox:  outbox,
		in:      in,
		config:  cfg,
		recv:    make(chan envelope.Envelope, cfg.BufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// DialLink opens the node side of a bus link. nodeID must be a single
// subject token and unique among the nodes sharing the prefix.
func DialLink(b MessageBus, nodeID string, cfg LinkConfig) (*Link, error) {
	if !validNodeID(nodeID) {
		return nil, fmt.Errorf("%w: node id %q", ErrInvalidSubject, nodeID)
	}
	cfg = cfg.withDefaults()

	sub, err := b.Subscribe(cfg.Prefix + "." + downToken + "." + nodeID)
	if err != nil {
		return nil, err
	}
	outbox := cfg.Prefix + "." + upToken + "." + nodeID
	return newLink(cfg.Prefix, b, outbox, sub.Messages(), cfg, func() { sub.Unsubscribe() }), nil
}

// ID returns the link id: the prefix on the node side, the node id on the
// listener side.
func (l *Link) ID() string { return l.id }

// Recv returns the channel for incoming envelopes. It is closed when Run
// returns.
func (l *Link) Recv() <-chan envelope.Envelope { return l.recv }

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Send encodes env and publishes it to the other side.
func (l *Link) Send(env envelope.Envelope) error {
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	data, err := l.config.Codec.Encode(env)
	if err != nil {
		return err
	}
	if err := l.bus.Publish(l.outbox, data); err != nil {
		if err == ErrClosed {
			return transport.ErrClosed
		}
		return err
	}
	return nil
}

// Run decodes incoming messages until ctx ends, the link is closed or the
// bus subscription ends.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.recv)
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case msg, ok := <-l.in:
			if !ok {
				l.Close()
				return nil
			}
			env, err := l.config.Codec.Decode(msg.Data)
			if err != nil {
				l.config.Logger.Warn("dropping undecodable message", map[string]interface{}{
					"link":    l.id,
					"subject": msg.Subject,
					"error":   err.Error(),
				})
				continue
			}
			select {
			case l.recv <- env:
			case <-l.done:
				return nil
			case <-ctx.Done():
				l.Close()
				return ctx.Err()
			}
		}
	}
}

// Close shuts the link down.
func (l *Link) Close() error {
	l.once.Do(func() {
		close(l.done)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

// Listener accepts bus links from nodes, the way net.Listener accepts
// connections. A node's link appears on its first message.
type Listener struct {
	bus    MessageBus
	config LinkConfig
	sub    Subscription

	mu     sync.Mutex
	links  map[string]*listenerEntry
	accept chan *Link
	done   chan struct{}
	once   sync.Once
}

type listenerEntry struct {
	link *Link
	in   chan *Message
}

// Listen subscribes to every node's up subject under the prefix.
func Listen(b MessageBus, cfg LinkConfig) (*Listener, error) {
	cfg = cfg.withDefaults()
	sub, err := b.Subscribe(cfg.Prefix + "." + upToken + ".*")
	if err != nil {
		return nil, err
	}
	l := &Listener{
		bus:    b,
		config: cfg,
		sub:    sub,
		links:  make(map[string]*listenerEntry),
		accept: make(chan *Link, 16),
		done:   make(chan struct{}),
	}
	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	defer func() {
		l.mu.Lock()
		for node, e := range l.links {
			close(e.in)
			delete(l.links, node)
		}
		l.mu.Unlock()
		close(l.accept)
	}()

	for msg := range l.sub.Messages() {
		node := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]

		l.mu.Lock()
		e, ok := l.links[node]
		if !ok {
			e = l.newEntry(node)
		}
		select {
		case e.in <- msg:
		default:
			// Buffer full
		}
		l.mu.Unlock()

		if !ok {
			select {
			case l.accept <- e.link:
			case <-l.done:
				return
			}
		}
	}
}

// newEntry must be called with l.mu held.
func (l *Listener) newEntry(node string) *listenerEntry {
	e := &listenerEntry{in: make(chan *Message, l.config.BufferSize)}
	outbox := l.config.Prefix + "." + downToken + "." + node
	e.link = newLink(node, l.bus, outbox, e.in, l.config, func() {
		l.mu.Lock()
		if cur, ok := l.links[node]; ok && cur == e {
			delete(l.links, node)
			close(e.in)
		}
		l.mu.Unlock()
	})
	l.links[node] = e
	return e
}

// Accept waits for the next node link.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	select {
	case link, ok := <-l.accept:
		if !ok {
			return nil, transport.ErrClosed
		}
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting links and ends the links already accepted.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.sub.Unsubscribe()
	})
	return err
}
