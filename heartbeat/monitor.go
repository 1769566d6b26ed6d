package heartbeat

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentfabric/bus"
)

// Monitor tracks node heartbeats and reports nodes that fall silent.
// Liveness is judged by local receive time, so sender clock skew does not
// matter.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration

	mu         sync.RWMutex
	last       map[string]*Heartbeat
	seen       map[string]time.Time
	reported   map[string]bool // already-reported dead nodes
	deadCBs    []func(string)
	aliveCBs   []func(*Heartbeat)
	watcherChs []chan *Heartbeat

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}

	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}

	return &Monitor{
		bus:           cfg.Bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		last:          make(map[string]*Heartbeat),
		seen:          make(map[string]time.Time),
		reported:      make(map[string]bool),
	}, nil
}

// Start subscribes to all heartbeats and begins dead-node checks.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := m.bus.Subscribe(SubjectPrefix + "*")
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

// Watch returns a channel receiving every heartbeat the monitor processes.
// Channels are closed by Stop.
func (m *Monitor) Watch() <-chan *Heartbeat {
	ch := make(chan *Heartbeat, 64)
	m.mu.Lock()
	m.watcherChs = append(m.watcherChs, ch)
	m.mu.Unlock()
	return ch
}

// run processes incoming heartbeats and checks for dead nodes.
func (m *Monitor) run() {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.process(msg)
		case <-checkTicker.C:
			m.checkDead(time.Now())
		}
	}
}

// process handles an incoming heartbeat message.
func (m *Monitor) process(msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		return
	}

	if hb.NodeID == "" {
		hb.NodeID = nodeFromSubject(msg.Subject)
	}
	if hb.NodeID == "" {
		return
	}

	m.mu.Lock()
	_, known := m.last[hb.NodeID]
	revived := m.reported[hb.NodeID]
	m.last[hb.NodeID] = hb
	m.seen[hb.NodeID] = time.Now()
	delete(m.reported, hb.NodeID)
	watchers := append([]chan *Heartbeat(nil), m.watcherChs...)
	var alive []func(*Heartbeat)
	if !known || revived {
		alive = append(alive, m.aliveCBs...)
	}
	m.mu.Unlock()

	for _, cb := range alive {
		cb(hb)
	}
	for _, ch := range watchers {
		select {
		case ch <- hb:
		default:
			// Buffer full, drop
		}
	}
}

// checkDead reports nodes silent for longer than the timeout, once each.
func (m *Monitor) checkDead(now time.Time) {
	var dead []string

	m.mu.Lock()
	for id, at := range m.seen {
		if now.Sub(at) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := slices.Clone(m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// IsAlive reports whether a node has been heard from within the timeout.
func (m *Monitor) IsAlive(nodeID string) bool {
	m.mu.RLock()
	at, ok := m.seen[nodeID]
	m.mu.RUnlock()
	return ok && time.Since(at) <= m.timeout
}

// LastHeartbeat returns the last heartbeat from a node, if any.
func (m *Monitor) LastHeartbeat(nodeID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[nodeID]
}

// Nodes returns the ids of all nodes heard from, sorted.
func (m *Monitor) Nodes() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.last))
	for id := range m.last {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Forget drops a node's record, e.g. after its link closed cleanly.
func (m *Monitor) Forget(nodeID string) {
	m.mu.Lock()
	delete(m.last, nodeID)
	delete(m.seen, nodeID)
	delete(m.reported, nodeID)
	m.mu.Unlock()
}

// OnDead registers a callback for when a node is presumed dead.
func (m *Monitor) OnDead(callback func(nodeID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// OnAlive registers a callback for a node's first heartbeat and for its
// first heartbeat after being reported dead.
func (m *Monitor) OnAlive(callback func(hb *Heartbeat)) {
	m.mu.Lock()
	m.aliveCBs = append(m.aliveCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	for _, ch := range m.watcherChs {
		close(ch)
	}
	m.watcherChs = nil
	m.mu.Unlock()

	return nil
}
