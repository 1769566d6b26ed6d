package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentfabric/logging"
)

// NATSConfig configures a NATS connection.
type NATSConfig struct {
	Config

	// URL of the server, e.g. "nats://localhost:4222".
	URL string
	// Name identifies the connection in server monitoring.
	Name string

	Token    string
	User     string
	Password string

	ReconnectWait time.Duration
	// MaxReconnects of -1 retries forever.
	MaxReconnects  int
	ConnectTimeout time.Duration

	// Logger receives disconnect and reconnect events. Default: discard.
	Logger *logging.Logger
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) options() []nats.Option {
	log := c.Logger
	if log == nil {
		log = logging.Discard()
	}
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// NATSBus is a MessageBus over a NATS connection. Several sentinels
// subscribing to one link subject as a queue group share its nodes.
type NATSBus struct {
	conn    *nats.Conn
	bufSize int
	// owned is false for a connection borrowed from the caller; Close
	// leaves it open.
	owned bool
}

// NewNATSBus dials cfg.URL.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSBus{conn: conn, bufSize: bufferSize(cfg.Config), owned: true}, nil
}

// NewNATSBusFromConn shares conn. Closing the bus does not close conn.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	return &NATSBus{conn: conn, bufSize: bufferSize(cfg.Config)}
}

func bufferSize(c Config) int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultConfig().BufferSize
}

// Conn exposes the connection for JetStream users such as the NATS state
// store and registry.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsErr maps client errors onto the bus error set.
func natsErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed):
		return ErrClosed
	case errors.Is(err, nats.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	}
	return fmt.Errorf("nats %s: %w", op, err)
}

func (b *NATSBus) ready(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.ready(subject); err != nil {
		return err
	}
	return natsErr("publish", b.conn.Publish(subject, data))
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := b.ready(subject); err != nil {
		return nil, err
	}
	s := &natsSub{ch: make(chan *Message, b.bufSize)}
	sub, err := b.conn.QueueSubscribe(subject, queue, s.receive)
	if err != nil {
		return nil, natsErr("subscribe "+subject, err)
	}
	s.sub = sub
	return s, nil
}

func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := b.ready(subject); err != nil {
		return nil, err
	}
	m, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, natsErr("request", err)
	}
	return &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}, nil
}

// Close closes an owned connection. Messages still buffered in
// subscriptions are dropped.
func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

// natsSub buffers messages from the client callback. The callback can run
// while Unsubscribe is closing the channel, so both take mu.
type natsSub struct {
	sub *nats.Subscription
	ch  chan *Message

	mu   sync.Mutex
	done bool
}

func (s *natsSub) receive(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
	default:
	}
}

func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	close(s.ch)
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
