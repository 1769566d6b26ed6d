package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/heartbeat"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/shutdown"
	"github.com/vinayprograms/agentfabric/state"
	"github.com/vinayprograms/agentfabric/tasks"
	"github.com/vinayprograms/agentfabric/telemetry"
)

// Common errors.
var (
	ErrClosed       = errors.New("fabric closed")
	ErrAddressInUse = errors.New("address already served")
	ErrNoUpstream   = errors.New("no upstream link")
)

// ClientName is the name of the address a node sends from when a proxy is
// not bound to one of its agents.
const ClientName = "client"

// upstreamTarget is the routing target standing for the sentinel link.
const upstreamTarget = "upstream"

// ServeOptions configures one served agent.
type ServeOptions struct {
	// Address to serve at. Default: "<name>@<node id>" with a random name.
	Address envelope.Address

	// Capabilities advertised in addition to the handler's own.
	Capabilities []envelope.Capability
}

// Fabric is one node's session: the agents it serves, the proxies it calls
// through and its link to a sentinel.
type Fabric struct {
	opts     options
	id       string
	client   envelope.Address
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	reg      *registry.MemoryRegistry
	resolver *registry.Resolver
	tracker  *delivery.Tracker
	store    state.StateStore
	dedup    *lru.Cache[string, *receipt]
	inbox    chan envelope.Envelope
	beats    *heartbeat.Sender
	shutdown *shutdown.Coordinator
	up       *upstream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	agents   map[envelope.Address]*agent
	calls    map[string]*call
	managers []*tasks.Manager
	closed   bool

	guardsMu sync.Mutex
	guards   map[string]any
}

// New creates a node. With an upstream option it attaches to the sentinel
// before returning.
func New(opts ...Option) (*Fabric, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.delivery.Validate(); err != nil {
		o.owned.close()
		return nil, fmt.Errorf("delivery config: %w", err)
	}
	if o.nodeID == "" {
		o.nodeID = "node-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	if strings.ContainsAny(o.nodeID, "@. \t\r\n*>") {
		o.owned.close()
		return nil, fmt.Errorf("invalid node id %q", o.nodeID)
	}
	if o.logger == nil {
		o.logger = logging.New()
	}
	if o.tracer == nil {
		o.tracer = telemetry.GetTracer()
	}
	if o.dedupWindow <= 0 {
		o.dedupWindow = DefaultDedupWindow
	}
	if o.streamBuffer <= 0 {
		o.streamBuffer = DefaultStreamBuffer
	}
	if o.inboxSize <= 0 {
		o.inboxSize = DefaultInboxSize
	}

	dedup, err := lru.New[string, *receipt](o.dedupWindow)
	if err != nil {
		o.owned.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fabric{
		opts:     o,
		id:       o.nodeID,
		client:   envelope.NewAddress(ClientName, o.nodeID),
		logger:   o.logger.WithComponent("fabric"),
		tracer:   o.tracer,
		reg:      registry.NewMemoryRegistry(registry.MemoryConfig{}),
		dedup:    dedup,
		inbox:    make(chan envelope.Envelope, o.inboxSize),
		shutdown: shutdown.NewCoordinator(shutdown.DefaultConfig()),
		ctx:      ctx,
		cancel:   cancel,
		agents:   make(map[envelope.Address]*agent),
		calls:    make(map[string]*call),
		guards:   make(map[string]any),
	}
	f.resolver = registry.NewResolver(f.reg,
		registry.WithPolicy(o.policy),
		registry.WithFallback(f.fallback))

	trackerOpts := []delivery.Option{delivery.WithLogger(o.logger.WithComponent("delivery"))}
	if o.seed != nil {
		trackerOpts = append(trackerOpts, delivery.WithSeed(*o.seed))
	}
	f.tracker = delivery.New(o.delivery, f.emit, trackerOpts...)

	f.store = o.store
	ownsStore := false
	if f.store == nil {
		f.store = state.NewMemoryStore()
		ownsStore = true
	}

	if err := f.registerLocal(f.client, nil); err != nil {
		cancel()
		o.owned.close()
		return nil, err
	}

	f.wg.Add(1)
	go f.localLoop()

	f.registerShutdown(ownsStore)

	if err := f.startUpstream(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.startHeartbeat(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// registerShutdown orders teardown: agents stop taking work, then the link
// goes, then pending deliveries and tasks, then the store.
func (f *Fabric) registerShutdown(ownsStore bool) {
	f.shutdown.RegisterFunc("agents", shutdown.PhaseListeners, func(context.Context) error {
		f.mu.Lock()
		f.closed = true
		agents := make([]*agent, 0, len(f.agents))
		for _, a := range f.agents {
			agents = append(agents, a)
		}
		f.mu.Unlock()
		for _, a := range agents {
			a.cancel()
		}
		if f.beats != nil {
			f.beats.Stop()
		}
		return nil
	})

	f.shutdown.RegisterFunc("upstream", shutdown.PhaseLinks, func(context.Context) error {
		if f.up != nil {
			f.up.close()
		}
		return nil
	})

	f.shutdown.RegisterFunc("delivery", shutdown.PhaseWork, func(context.Context) error {
		return f.tracker.Close()
	})

	f.shutdown.RegisterFunc("tasks", shutdown.PhaseWork, func(context.Context) error {
		f.mu.RLock()
		managers := append([]*tasks.Manager(nil), f.managers...)
		f.mu.RUnlock()
		var errs []error
		for _, m := range managers {
			errs = append(errs, m.Close())
		}
		return errors.Join(errs...)
	})

	f.shutdown.RegisterFunc("dispatch", shutdown.PhaseDrain, func(ctx context.Context) error {
		f.cancel()
		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	f.shutdown.RegisterFunc("registry", shutdown.PhaseStores, func(context.Context) error {
		return f.reg.Close()
	})
	if ownsStore {
		f.shutdown.RegisterFunc("store", shutdown.PhaseStores, func(context.Context) error {
			return f.store.Close()
		})
	}
	if f.opts.owned != nil {
		f.shutdown.RegisterFunc("owned", shutdown.PhaseStores, func(context.Context) error {
			return f.opts.owned.close()
		})
	}
}

func (f *Fabric) startHeartbeat() error {
	if f.opts.heartbeatBus == nil {
		return nil
	}
	s, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Bus:      f.opts.heartbeatBus,
		NodeID:   f.id,
		Interval: f.opts.heartbeatInt,
		Pending:  f.tracker.Len,
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	f.beats = s
	f.beats.SetAgents(f.Addresses())
	return s.Start(f.ctx)
}

// ID returns the node id.
func (f *Fabric) ID() string {
	return f.id
}

// ClientAddress returns the address proxies send from by default.
func (f *Fabric) ClientAddress() envelope.Address {
	return f.client
}

// Store returns the node's state store.
func (f *Fabric) Store() state.StateStore {
	return f.store
}

// Logger returns the node's logger.
func (f *Fabric) Logger() *logging.Logger {
	return f.logger
}

// Serve makes h reachable and returns its address. h must implement at
// least one of OperationProvider, TaskRunner, MessageHandler or
// EventHandler; its operations are resolved now and not re-read. The agent
// is withdrawn when ctx ends or the fabric closes.
func (f *Fabric) Serve(ctx context.Context, h any, so ServeOptions) (envelope.Address, error) {
	a, err := resolveAgent(h)
	if err != nil {
		return "", err
	}
	addr := so.Address
	if addr == "" {
		addr = envelope.NewAddress("agent-"+strings.SplitN(uuid.NewString(), "-", 2)[0], f.id)
	}
	if _, err := envelope.ParseAddress(string(addr)); err != nil {
		return "", ferrors.InvalidInput(err.Error())
	}
	a.addr = addr
	a.caps = mergeCapabilities(a.caps, so.Capabilities)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", ErrClosed
	}
	if _, taken := f.agents[addr]; taken || addr == f.client {
		f.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	a.ctx, a.cancel = context.WithCancel(f.ctx)
	f.agents[addr] = a
	f.mu.Unlock()

	if s, ok := h.(Starter); ok {
		if err := s.Start(a.ctx, addr); err != nil {
			f.dropAgent(a)
			return "", ferrors.Wrap(err, "start "+string(addr), ferrors.WithAddress(string(addr)))
		}
	}
	if err := f.registerLocal(addr, a.caps); err != nil {
		f.dropAgent(a)
		return "", err
	}

	f.logger.Info("serving agent", map[string]interface{}{
		"address":      string(addr),
		"operations":   operationNames(a.ops),
		"capabilities": a.caps,
	})

	go func() {
		select {
		case <-ctx.Done():
			f.Unserve(addr)
		case <-a.ctx.Done():
		}
	}()
	return addr, nil
}

// Unserve withdraws the agent at addr. Work already dispatched to it sees
// its context canceled.
func (f *Fabric) Unserve(addr envelope.Address) bool {
	f.mu.Lock()
	a, ok := f.agents[addr]
	if ok && !f.closed {
		delete(f.agents, addr)
	}
	closed := f.closed
	f.mu.Unlock()
	if !ok || closed {
		return false
	}
	a.cancel()
	f.unregisterLocal(addr)
	return true
}

func (f *Fabric) dropAgent(a *agent) {
	f.mu.Lock()
	if f.agents[a.addr] == a {
		delete(f.agents, a.addr)
	}
	f.mu.Unlock()
	a.cancel()
}

// Addresses returns the served addresses, sorted.
func (f *Fabric) Addresses() []envelope.Address {
	f.mu.RLock()
	out := make([]envelope.Address, 0, len(f.agents))
	for addr := range f.agents {
		out = append(out, addr)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *Fabric) agentAt(addr envelope.Address) (*agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.agents[addr]
	return a, ok
}

// registerLocal adds addr to the node's table and announces it upstream.
func (f *Fabric) registerLocal(addr envelope.Address, caps []envelope.Capability) error {
	err := f.reg.Register(registry.Entry{
		Address:      addr,
		Capabilities: caps,
		Target:       registry.Target{Kind: registry.TargetLocal, ID: f.id},
	})
	if err != nil {
		return err
	}
	if f.up != nil {
		f.up.announce(envelope.ControlRouteAdd, envelope.Route{Address: addr, Capabilities: caps})
	}
	if f.beats != nil {
		f.beats.SetAgents(f.Addresses())
	}
	return nil
}

func (f *Fabric) unregisterLocal(addr envelope.Address) {
	if err := f.reg.Deregister(addr, f.id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		f.logger.Warn("deregister failed", map[string]interface{}{
			"address": string(addr),
			"error":   err.Error(),
		})
	}
	if f.up != nil {
		f.up.announce(envelope.ControlRouteRemove, envelope.Route{Address: addr})
	}
	if f.beats != nil {
		f.beats.SetAgents(f.Addresses())
	}
	f.logger.Info("agent withdrawn", map[string]interface{}{"address": string(addr)})
}

// localRoutes lists what this node announces to its sentinel.
func (f *Fabric) localRoutes() []envelope.Route {
	entries, err := f.reg.List(nil)
	if err != nil {
		return nil
	}
	routes := make([]envelope.Route, 0, len(entries))
	for _, e := range entries {
		if e.Target.Kind == registry.TargetLocal {
			routes = append(routes, envelope.Route{Address: e.Address, Capabilities: e.Capabilities})
		}
	}
	return routes
}

// fallback hands destinations with no local agent to the sentinel.
func (f *Fabric) fallback(envelope.Destination) (registry.Target, bool) {
	if f.up == nil {
		return registry.Target{}, false
	}
	return registry.Target{Kind: registry.TargetLink, ID: upstreamTarget, Hops: 1}, true
}

// Close shuts the node down within a 30 second budget.
func (f *Fabric) Close() error {
	return f.Shutdown(context.Background())
}

// Shutdown tears the node down in phases: agents stop taking work, the
// upstream link closes, pending deliveries are abandoned and task managers
// closed, dispatch drains, then stores close. It is safe to call more than
// once.
func (f *Fabric) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	err := f.shutdown.Shutdown(ctx)
	if res := f.shutdown.Result(); res != nil && res.Failed() {
		f.logger.Warn("shutdown incomplete", map[string]interface{}{
			"failed": strings.Join(res.FailedHandlers(), ","),
		})
	}
	return err
}

func mergeCapabilities(a, b []envelope.Capability) []envelope.Capability {
	seen := make(map[envelope.Capability]bool, len(a)+len(b))
	var out []envelope.Capability
	for _, c := range append(append([]envelope.Capability(nil), a...), b...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func operationNames(ops Operations) string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
