package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/config"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/telemetry"
)

// owned holds resources a fabric built from config opened itself. They
// close once, in order, after everything else.
type owned struct {
	once    sync.Once
	closers []io.Closer
	err     error
}

func (o *owned) close() error {
	if o == nil {
		return nil
	}
	o.once.Do(func() {
		var errs []error
		for _, c := range o.closers {
			errs = append(errs, c.Close())
		}
		o.err = errors.Join(errs...)
	})
	return o.err
}

func withOwned(closers ...io.Closer) Option {
	return func(o *options) { o.owned = &owned{closers: closers} }
}

// NewFromConfig creates a node from a loaded configuration. The bus, store
// and span exporter it opens are closed with the fabric. Options given after cfg
// override what cfg sets.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Fabric, error) {
	if cfg.Node.Role != config.RoleNode {
		return nil, fmt.Errorf("config role is %q, want %q", cfg.Node.Role, config.RoleNode)
	}
	wire, err := cfg.WireCodec()
	if err != nil {
		return nil, err
	}

	logger := logging.New()
	logger.SetLevel(cfg.LogLevel())

	b, err := config.OpenBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	store, err := config.OpenStore(cfg, b)
	if err != nil {
		if b != nil {
			b.Close()
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []io.Closer{store}
	if b != nil {
		closers = append(closers, b)
	}

	var tracing []Option
	if cfg.Telemetry.Enabled {
		p, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			NodeID:      cfg.Node.ID,
			Role:        config.RoleNode,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			(&owned{closers: closers}).close()
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		closers = append(closers, p)
		tracing = append(tracing, WithTracer(p.Tracer()))
	}

	base := []Option{
		WithNodeID(cfg.Node.ID),
		WithLogger(logger),
		WithCodec(wire),
		WithStore(store),
		WithDelivery(cfg.DeliveryConfig()),
		WithPolicy(cfg.Selection()),
		WithDedupWindow(cfg.Delivery.DedupWindow),
		WithHelloTimeout(cfg.Upstream.HelloTimeout.Std()),
		withOwned(closers...),
	}
	base = append(base, tracing...)
	switch {
	case cfg.Upstream.URL != "":
		base = append(base, WithUpstreamURL(cfg.Upstream.URL))
	case cfg.Upstream.Bus:
		base = append(base, WithUpstreamBus(b, bus.LinkConfig{
			Prefix: cfg.Bus.Prefix,
			Codec:  wire,
			Logger: logger.WithComponent("bus-link"),
		}))
	}
	if b != nil && cfg.Bus.Heartbeat.Interval > 0 {
		base = append(base, WithHeartbeat(b, cfg.Bus.Heartbeat.Interval.Std()))
	}
	return New(append(base, opts...)...)
}
