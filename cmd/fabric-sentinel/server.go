package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/config"
	"github.com/vinayprograms/agentfabric/heartbeat"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/sentinel"
	"github.com/vinayprograms/agentfabric/shutdown"
	"github.com/vinayprograms/agentfabric/telemetry"
)

// server is one running sentinel process: the sentinel plus everything the
// configuration asks it to listen on, dial and report to.
type server struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      bus.MessageBus
	reg      registry.Registry
	journal  telemetry.Exporter
	provider *telemetry.Provider
	sentinel *sentinel.Sentinel
	monitor  *heartbeat.Monitor
	coord    *shutdown.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	addrs []net.Addr
}

// newServer opens the bus, registry, journal and tracer the configuration
// names and creates the sentinel. Nothing listens until start.
func newServer(ctx context.Context, cfg *config.Config) (_ *server, err error) {
	if cfg.Node.Role != config.RoleSentinel {
		return nil, fmt.Errorf("config role is %q, want %q", cfg.Node.Role, config.RoleSentinel)
	}
	wire, err := cfg.WireCodec()
	if err != nil {
		return nil, err
	}

	logger := logging.New()
	logger.SetLevel(cfg.LogLevel())

	id := cfg.Node.ID
	if id == "" {
		id = "sentinel-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	s := &server{
		cfg:    cfg,
		logger: logger.WithComponent("server"),
		coord: shutdown.NewCoordinator(shutdown.Config{
			Timeout:         30 * time.Second,
			ContinueOnError: true,
			Logger:          logger.WithComponent("shutdown"),
		}),
	}
	defer func() {
		if err != nil {
			s.closeResources(context.Background())
		}
	}()

	if s.bus, err = config.OpenBus(cfg); err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	if s.reg, err = config.OpenRegistry(cfg, s.bus); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if s.journal, err = openJournal(cfg.Telemetry.Journal, s.bus); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		s.provider, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			NodeID:      id,
			Role:        config.RoleSentinel,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		tracer = s.provider.Tracer()
	}

	sc := sentinel.DefaultConfig()
	sc.ID = id
	sc.MaxHops = cfg.Routing.MaxHops
	sc.Policy = cfg.Selection()
	sc.RouteCacheSize = cfg.Routing.RouteCacheSize
	sc.OutboxLimit = cfg.Routing.OutboxLimit
	sc.Registry = s.reg
	sc.WebSocket.Codec = wire
	sc.Stream.Codec = wire
	sc.Logger = logger
	sc.Tracer = tracer
	sc.Journal = s.journal
	if s.sentinel, err = sentinel.New(sc); err != nil {
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registerShutdown()
	return s, nil
}

// start opens every listener, begins peering and watches heartbeats. On
// error the caller shuts the server down.
func (s *server) start() error {
	for i, l := range s.cfg.Listeners {
		var err error
		switch l.Type {
		case config.ListenerWebSocket:
			err = s.listenWebSocket(l)
		case config.ListenerTCP:
			err = s.listenTCP(l)
		case config.ListenerBus:
			err = s.listenBus()
		default:
			err = fmt.Errorf("unknown type %q", l.Type)
		}
		if err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
	}

	for _, p := range s.cfg.Peers {
		url := p.URL
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sentinel.MaintainPeer(s.ctx, url)
		}()
	}

	if s.bus != nil && s.cfg.Bus.Heartbeat.Interval > 0 {
		m, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
			Bus:           s.bus,
			Timeout:       s.cfg.Bus.Heartbeat.Timeout.Std(),
			CheckInterval: s.cfg.Bus.Heartbeat.Interval.Std(),
		})
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if err := m.Start(); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		s.monitor = m
		s.sentinel.WatchHeartbeats(m)
	}

	s.logger.Info("sentinel started", map[string]interface{}{
		"address":   string(s.sentinel.Address()),
		"listeners": len(s.cfg.Listeners),
		"peers":     len(s.cfg.Peers),
	})
	return nil
}

func (s *server) listenWebSocket(l config.ListenerConfig) error {
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return err
	}
	s.addAddr(ln.Addr())

	mux := http.NewServeMux()
	mux.Handle(l.Path, s.sentinel)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket listener failed", map[string]interface{}{
				"address": l.Address,
				"error":   err.Error(),
			})
		}
	}()
	s.coord.RegisterFunc("websocket "+l.Address, shutdown.PhaseListeners, srv.Shutdown)
	return nil
}

func (s *server) listenTCP(l config.ListenerConfig) error {
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return err
	}
	s.addAddr(ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sentinel.ServeTCP(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("tcp listener failed", map[string]interface{}{
				"address": l.Address,
				"error":   err.Error(),
			})
		}
	}()
	s.coord.RegisterFunc("tcp "+l.Address, shutdown.PhaseListeners, func(context.Context) error {
		err := ln.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	return nil
}

func (s *server) listenBus() error {
	wire, err := s.cfg.WireCodec()
	if err != nil {
		return err
	}
	bl, err := bus.Listen(s.bus, bus.LinkConfig{
		Prefix: s.cfg.Bus.Prefix,
		Codec:  wire,
		Logger: s.logger.WithComponent("bus-link"),
	})
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sentinel.ServeBus(bl); err != nil {
			s.logger.Debug("bus listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.coord.RegisterFunc("bus listener", shutdown.PhaseListeners, func(context.Context) error {
		return bl.Close()
	})
	return nil
}

// registerShutdown orders teardown: stop accepting, close links, then close
// the registry, journal, tracer and bus.
func (s *server) registerShutdown() {
	s.coord.RegisterFunc("peering", shutdown.PhaseListeners, func(context.Context) error {
		s.cancel()
		if s.monitor != nil {
			return s.monitor.Stop()
		}
		return nil
	})
	s.coord.RegisterFunc("sentinel", shutdown.PhaseLinks, func(context.Context) error {
		return s.sentinel.Close()
	})
	s.coord.RegisterFunc("goroutines", shutdown.PhaseDrain, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s.coord.RegisterFunc("resources", shutdown.PhaseStores, func(ctx context.Context) error {
		return s.closeResources(ctx)
	})
}

// closeResources closes what newServer opened, dependents before the bus
// they may share.
func (s *server) closeResources(ctx context.Context) error {
	var errs []error
	if s.reg != nil {
		errs = append(errs, s.reg.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.provider != nil {
		errs = append(errs, s.provider.Shutdown(ctx))
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	return errors.Join(errs...)
}

// openJournal hands the bus to a bus journal only when one is open, so a
// missing bus fails instead of passing a typed nil.
func openJournal(jc config.JournalConfig, b bus.MessageBus) (telemetry.Exporter, error) {
	var pub telemetry.Publisher
	if b != nil {
		pub = b
	}
	return telemetry.NewExporter(jc.Protocol, jc.Endpoint, pub)
}

func (s *server) addAddr(a net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = append(s.addrs, a)
}

// Addrs returns the bound addresses of the websocket and tcp listeners in
// configuration order.
func (s *server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.Addr(nil), s.addrs...)
}

// Shutdown runs every teardown phase.
func (s *server) Shutdown(ctx context.Context) error {
	return s.coord.Shutdown(ctx)
}
