package bus

import (
	"bytes"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is a MessageBus inside one process. Sentinels and nodes in the
// same process can link over it, and tests use it in place of NATS.
// Delivery never blocks: a subscriber whose buffer is full misses the
// message.
type MemoryBus struct {
	bufSize int

	// mu is held while delivering, so no subscription channel is closed
	// under a sender.
	mu     sync.Mutex
	closed bool
	plain  []*memorySub
	queues map[queueKey]*queueGroup

	inboxMu sync.Mutex
	inboxes map[string]chan *Message
	inboxN  atomic.Uint64
}

type queueKey struct{ pattern, queue string }

// queueGroup hands each message to one member in turn.
type queueGroup struct {
	members []*memorySub
	next    int
}

func (g *queueGroup) pick() *memorySub {
	s := g.members[g.next%len(g.members)]
	g.next++
	return s
}

type memorySub struct {
	bus   *MemoryBus
	key   queueKey
	ch    chan *Message
	ended bool // guarded by bus.mu
}

func NewMemoryBus(cfg Config) *MemoryBus {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		bufSize: size,
		queues:  make(map[queueKey]*queueGroup),
		inboxes: make(map[string]chan *Message),
	}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	msg := &Message{Subject: subject, Data: bytes.Clone(data)}
	if b.answer(msg) {
		return nil
	}
	if !b.fanOut(msg) {
		return ErrClosed
	}
	return nil
}

// answer completes a pending Request whose inbox is msg's subject.
func (b *MemoryBus) answer(msg *Message) bool {
	b.inboxMu.Lock()
	ch, ok := b.inboxes[msg.Subject]
	delete(b.inboxes, msg.Subject)
	b.inboxMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// fanOut delivers msg to every matching plain subscriber and to one member
// of every matching queue group. It reports false once the bus is closed.
func (b *MemoryBus) fanOut(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for _, s := range b.plain {
		if MatchSubject(s.key.pattern, msg.Subject) {
			s.offer(msg)
		}
	}
	for key, g := range b.queues {
		if MatchSubject(key.pattern, msg.Subject) {
			g.pick().offer(msg)
		}
	}
	return true
}

func (s *memorySub) offer(msg *Message) {
	select {
	case s.ch <- msg:
	default:
	}
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(queueKey{pattern: subject})
}

// QueueSubscribe joins queue on subject. The queue name is required.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(queueKey{pattern: subject, queue: queue})
}

func (b *MemoryBus) subscribe(key queueKey) (Subscription, error) {
	if err := ValidateSubject(key.pattern); err != nil {
		return nil, err
	}
	s := &memorySub{bus: b, key: key, ch: make(chan *Message, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if key.queue == "" {
		b.plain = append(b.plain, s)
		return s, nil
	}
	g := b.queues[key]
	if g == nil {
		g = &queueGroup{}
		b.queues[key] = g
	}
	g.members = append(g.members, s)
	return s, nil
}

// Request publishes data with a private reply subject and waits for the
// first answer.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	inbox := "_INBOX." + strconv.FormatUint(b.inboxN.Add(1), 10)
	reply := make(chan *Message, 1)
	b.inboxMu.Lock()
	b.inboxes[inbox] = reply
	b.inboxMu.Unlock()
	defer func() {
		b.inboxMu.Lock()
		delete(b.inboxes, inbox)
		b.inboxMu.Unlock()
	}()

	closed, listening := b.listening(subject)
	switch {
	case closed:
		return nil, ErrClosed
	case !listening:
		return nil, ErrNoResponders
	}
	if !b.fanOut(&Message{Subject: subject, Data: bytes.Clone(data), Reply: inbox}) {
		return nil, ErrClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-reply:
		return msg, nil
	case <-t.C:
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) listening(subject string) (closed, any bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return true, false
	}
	for _, s := range b.plain {
		if MatchSubject(s.key.pattern, subject) {
			return false, true
		}
	}
	for key := range b.queues {
		if MatchSubject(key.pattern, subject) {
			return false, true
		}
	}
	return false, false
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.plain {
		s.end()
	}
	for _, g := range b.queues {
		for _, s := range g.members {
			s.end()
		}
	}
	b.plain, b.queues = nil, nil
	return nil
}

// end closes the channel once. The caller holds bus.mu.
func (s *memorySub) end() {
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.ended {
		return nil
	}
	s.end()
	if s.key.queue == "" {
		b.plain = slices.DeleteFunc(b.plain, func(o *memorySub) bool { return o == s })
		return nil
	}
	if g := b.queues[s.key]; g != nil {
		g.members = slices.DeleteFunc(g.members, func(o *memorySub) bool { return o == s })
		if len(g.members) == 0 {
			delete(b.queues, s.key)
		}
	}
	return nil
}
