package heartbeat

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/envelope"
)

// Sender publishes one node's heartbeats. What it reports can change while
// it runs; every beat carries the latest values.
type Sender struct {
	bus      bus.MessageBus
	nodeID   string
	interval time.Duration
	pending  func() int

	mu       sync.Mutex
	status   string
	agents   []envelope.Address
	metadata map[string]string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sender{
		bus:      cfg.Bus,
		nodeID:   cfg.NodeID,
		interval: cfg.Interval,
		pending:  cfg.Pending,
		status:   StatusServing,
		metadata: map[string]string{},
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s, nil
}

// Start beats once immediately and then every interval until Stop or ctx
// ends.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Beat()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Beat publishes one heartbeat now.
func (s *Sender) Beat() error {
	hb := s.snapshot()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(hb.Subject(), data)
}

func (s *Sender) snapshot() *Heartbeat {
	s.mu.Lock()
	hb := &Heartbeat{
		NodeID:    s.nodeID,
		Timestamp: time.Now(),
		Status:    s.status,
		Agents:    slices.Clone(s.agents),
	}
	if len(s.metadata) > 0 {
		hb.Metadata = maps.Clone(s.metadata)
	}
	s.mu.Unlock()

	if s.pending != nil {
		hb.Pending = s.pending()
	}
	return hb
}

func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetAgents replaces the advertised agent addresses.
func (s *Sender) SetAgents(agents []envelope.Address) {
	s.mu.Lock()
	s.agents = slices.Clone(agents)
	s.mu.Unlock()
}

func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop ends the beat loop and waits for it. The sender may be started
// again.
func (s *Sender) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}
	cancel()
	<-done
	return nil
}

func (s *Sender) NodeID() string {
	return s.nodeID
}
