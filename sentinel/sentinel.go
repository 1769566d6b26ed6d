package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/telemetry"
	"github.com/vinayprograms/agentfabric/transport"
)

// Common errors.
var (
	ErrClosed       = errors.New("sentinel closed")
	ErrLinkInUse    = errors.New("link id already attached")
	ErrHelloTimeout = errors.New("peer did not say hello")
)

// CapabilitySentinel is advertised by every sentinel's own address.
const CapabilitySentinel envelope.Capability = "sentinel"

// OpRoutes is the operation a sentinel answers with its routing table.
const OpRoutes = "routes"

// Config configures a Sentinel.
type Config struct {
	// ID names the sentinel. Its address is "sentinel@<ID>".
	ID string

	// MaxHops bounds how far routes propagate between peers.
	// Default: envelope.DefaultTTL
	MaxHops int

	// Policy selects among capability matches. Default: first.
	Policy registry.SelectionPolicy

	// RouteCacheSize bounds the resolution cache. Default: 1024
	RouteCacheSize int

	// OutboxLimit bounds the envelopes queued per link. Default: 4096
	OutboxLimit int

	// HelloTimeout bounds the link handshake. Default: 10s
	HelloTimeout time.Duration

	// Registry holds the routing table. A MemoryRegistry is created when
	// nil; a supplied registry is not closed by the sentinel.
	Registry registry.Registry

	// WebSocket configures accepted and dialed WebSocket links.
	WebSocket transport.WebSocketConfig

	// Stream configures accepted and dialed TCP links.
	Stream transport.Config

	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Journal telemetry.Exporter
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:        envelope.DefaultTTL,
		Policy:         registry.SelectFirst,
		RouteCacheSize: 1024,
		OutboxLimit:    4096,
		HelloTimeout:   10 * time.Second,
		WebSocket:      transport.DefaultWebSocketConfig(),
		Stream:         transport.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("sentinel id is required")
	}
	if _, err := envelope.ParseAddress(string(envelope.NewAddress("sentinel", c.ID))); err != nil {
		return fmt.Errorf("sentinel id: %w", err)
	}
	if c.MaxHops < 0 {
		return fmt.Errorf("max hops must be non-negative")
	}
	switch c.Policy {
	case "", registry.SelectFirst, registry.SelectRoundRobin:
	default:
		return fmt.Errorf("unknown selection policy %q", c.Policy)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxHops == 0 {
		c.MaxHops = def.MaxHops
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.RouteCacheSize <= 0 {
		c.RouteCacheSize = def.RouteCacheSize
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = def.OutboxLimit
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	if c.Journal == nil {
		c.Journal = telemetry.NewNoopExporter()
	}
	return c
}

// Sentinel forwards envelopes between attached nodes and peer sentinels.
type Sentinel struct {
	config   Config
	addr     envelope.Address
	reg      registry.Registry
	ownsReg  bool
	resolver *registry.Resolver
	cache    *lru.Cache[string, registry.Match]
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	peers  map[string]*peer
	closed bool

	// routeMu serializes table changes with the announcements they cause,
	// so a peer sees them in the order they happened.
	routeMu sync.Mutex
}

// New creates a sentinel and registers its own address.
func New(cfg Config) (*Sentinel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	reg := cfg.Registry
	owns := false
	if reg == nil {
		reg = registry.NewMemoryRegistry(registry.MemoryConfig{})
		owns = true
	}
	cache, err := lru.New[string, registry.Match](cfg.RouteCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sentinel{
		config:   cfg,
		addr:     envelope.NewAddress("sentinel", cfg.ID),
		reg:      reg,
		ownsReg:  owns,
		resolver: registry.NewResolver(reg, registry.WithPolicy(cfg.Policy)),
		cache:    cache,
		logger:   cfg.Logger.WithComponent("sentinel"),
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*peer),
	}

	if err := reg.Register(registry.Entry{
		Address:      s.addr,
		Capabilities: []envelope.Capability{CapabilitySentinel},
		Target:       registry.Target{Kind: registry.TargetLocal, ID: cfg.ID},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("register sentinel address: %w", err)
	}

	if events, err := reg.Watch(); err == nil {
		s.wg.Add(1)
		go s.watchRegistry(events)
	}
	return s, nil
}

// ID returns the sentinel id.
func (s *Sentinel) ID() string { return s.config.ID }

// Address returns the sentinel's own address.
func (s *Sentinel) Address() envelope.Address { return s.addr }

// Registry returns the routing table.
func (s *Sentinel) Registry() registry.Registry { return s.reg }

// Attach runs link, exchanges hellos and starts forwarding what arrives on
// it. It returns once the other end has said hello, or with an error when
// it does not within the hello timeout or before ctx ends. The link lives
// until it ends or the sentinel closes.
func (s *Sentinel) Attach(ctx context.Context, link transport.Link) error {
	p := newPeer(link, s.config.OutboxLimit, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		link.Close()
		return ErrClosed
	}
	if _, exists := s.peers[p.id]; exists {
		s.mu.Unlock()
		link.Close()
		return fmt.Errorf("%w: %s", ErrLinkInUse, p.id)
	}
	s.peers[p.id] = p
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		link.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(p)
	}()

	p.enqueue(envelope.NewControl(s.addr, envelope.Control{
		Kind:   envelope.ControlHello,
		NodeID: s.config.ID,
		Role:   envelope.RoleSentinel,
	}))

	timer := time.NewTimer(s.config.HelloTimeout)
	defer timer.Stop()
	select {
	case <-p.hello:
		return nil
	case <-link.Done():
		return transport.ErrClosed
	case <-timer.C:
		link.Close()
		return ErrHelloTimeout
	case <-ctx.Done():
		link.Close()
		return ctx.Err()
	}
}

// readLoop handles everything arriving on p, then withdraws its routes.
func (s *Sentinel) readLoop(p *peer) {
	defer s.detach(p)
	recv := p.link.Recv()
	for {
		select {
		case env, ok := <-recv:
			if !ok {
				return
			}
			s.receive(p, env)
		case <-p.link.Done():
			return
		}
	}
}

func (s *Sentinel) receive(p *peer, env envelope.Envelope) {
	if err := env.Validate(); err != nil {
		s.logger.EnvelopeDropped(env.ID, env.To.String(), err)
		return
	}
	if c := env.Frame.Control; c != nil {
		s.control(p, c)
		return
	}
	select {
	case <-p.hello:
	default:
		s.logger.Warn("dropping envelope before hello", map[string]interface{}{
			"link":        p.id,
			"envelope_id": env.ID,
		})
		return
	}
	s.forward(p, env)
}

func (s *Sentinel) control(p *peer, c *envelope.Control) {
	switch c.Kind {
	case envelope.ControlHello:
		if !p.greet(c) {
			return
		}
		s.logger.LinkAttached(p.id, c.Role)
		s.config.Journal.LogEvent(telemetry.EventLinkAttached, map[string]interface{}{
			"link": p.id,
			"role": c.Role,
			"node": c.NodeID,
		})
		if c.Role == envelope.RoleSentinel {
			s.routeMu.Lock()
			s.announceTable(p)
			s.routeMu.Unlock()
		}
	case envelope.ControlRouteAdd:
		s.routeMu.Lock()
		for _, r := range c.Routes {
			s.learn(p, r)
		}
		s.routeMu.Unlock()
	case envelope.ControlRouteRemove:
		s.routeMu.Lock()
		for _, r := range c.Routes {
			s.unlearn(p, r.Address)
		}
		s.routeMu.Unlock()
	default:
		s.logger.Warn("unknown control frame", map[string]interface{}{
			"link": p.id,
			"kind": string(c.Kind),
		})
	}
}

// detach withdraws every route through p once its link has ended.
func (s *Sentinel) detach(p *peer) {
	p.link.Close()

	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()

	s.routeMu.Lock()
	removed, err := s.reg.DeregisterTarget(p.id)
	if err == nil {
		s.purgeCache()
		seen := make(map[envelope.Address]bool)
		for _, e := range removed {
			s.logger.RouteChanged("remove", string(e.Address), p.id, e.Target.Hops)
			if !seen[e.Address] {
				seen[e.Address] = true
				s.announce(e.Address)
			}
		}
	}
	s.routeMu.Unlock()

	s.logger.LinkClosed(p.id, nil)
	s.config.Journal.LogEvent(telemetry.EventLinkClosed, map[string]interface{}{
		"link":   p.id,
		"routes": len(removed),
	})
}

// DetachNode closes the links of a node, withdrawing its routes. It reports
// whether any link was closed.
func (s *Sentinel) DetachNode(nodeID string) bool {
	s.mu.RLock()
	var links []transport.Link
	for _, p := range s.peers {
		if _, id := p.identity(); id == nodeID {
			links = append(links, p.link)
		}
	}
	s.mu.RUnlock()

	for _, l := range links {
		l.Close()
	}
	return len(links) > 0
}

// Links returns the ids of attached links, sorted.
func (s *Sentinel) Links() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Routes returns the routing table.
func (s *Sentinel) Routes() ([]registry.Entry, error) {
	return s.reg.List(nil)
}

// Close detaches every link and stops the sentinel.
func (s *Sentinel) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.link.Close()
	}
	s.cancel()
	s.wg.Wait()

	var err error
	if s.ownsReg {
		err = s.reg.Close()
	} else {
		s.reg.Deregister(s.addr, s.config.ID)
	}
	s.config.Journal.Flush()
	return err
}

// watchRegistry purges the route cache on changes made by others sharing
// the registry.
func (s *Sentinel) watchRegistry(events <-chan registry.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.purgeCache()
		}
	}
}

func (s *Sentinel) purgeCache() {
	s.cache.Purge()
}

func (s *Sentinel) peer(id string) (*peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// sentinelPeers returns attached sentinel peers sorted by link id.
func (s *Sentinel) sentinelPeers() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*peer
	for _, p := range s.peers {
		if p.isSentinel() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
