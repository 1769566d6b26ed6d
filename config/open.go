package config

import (
	"fmt"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/state"
)

// OpenBus connects to the configured bus. It returns nil when no bus is
// configured.
func OpenBus(cfg *Config) (bus.MessageBus, error) {
	switch cfg.Bus.Type {
	case BusNone:
		return nil, nil
	case BusNATS:
		nc := bus.DefaultNATSConfig()
		if cfg.Bus.URL != "" {
			nc.URL = cfg.Bus.URL
		}
		nc.Name = "agentfabric"
		if cfg.Node.ID != "" {
			nc.Name += "-" + cfg.Node.ID
		}
		nc.Logger = logging.New().WithComponent("nats")
		nc.Logger.SetLevel(cfg.LogLevel())
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BusAMQP:
		ac := bus.DefaultAMQPConfig()
		if cfg.Bus.URL != "" {
			ac.URL = cfg.Bus.URL
		}
		if cfg.Bus.Exchange != "" {
			ac.Exchange = cfg.Bus.Exchange
		}
		b, err := bus.NewAMQPBus(ac)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus %q", cfg.Bus.Type)
}

// OpenStore opens the configured state store. The NATS backend shares the
// connection of b, which must be a NATS bus.
func OpenStore(cfg *Config, b bus.MessageBus) (state.StateStore, error) {
	switch cfg.Storage.Backend {
	case "", StorageMemory:
		return state.NewMemoryStore(), nil
	case StorageSQLite:
		s, err := state.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageRedis:
		s, err := state.NewRedisStore(state.RedisStoreConfig{
			Address:  cfg.Storage.Address,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageNATS:
		nb, ok := b.(*bus.NATSBus)
		if !ok {
			return nil, fmt.Errorf("storage backend nats needs a nats bus")
		}
		s, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:   nb.Conn(),
			Bucket: cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// OpenRegistry opens the routing table a sentinel keeps. A NATS registry
// lets sentinels sharing one NATS server see the same table.
func OpenRegistry(cfg *Config, b bus.MessageBus) (registry.Registry, error) {
	switch cfg.Routing.Registry {
	case "", StorageMemory:
		return registry.NewMemoryRegistry(registry.MemoryConfig{}), nil
	case StorageNATS:
		nb, ok := b.(*bus.NATSBus)
		if !ok {
			return nil, fmt.Errorf("nats registry needs a nats bus")
		}
		rc := registry.DefaultNATSRegistryConfig()
		// Routes live as long as their link; the sentinel withdraws them.
		rc.TTL = 0
		r, err := registry.NewNATSRegistry(nb.Conn(), rc)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Routing.Registry)
}
