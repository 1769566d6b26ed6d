// Package config loads the declarative configuration of fabric nodes and
// sentinels from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
)

// Node roles.
const (
	RoleSentinel = "sentinel"
	RoleNode     = "node"
)

// Listener types.
const (
	ListenerWebSocket = "websocket"
	ListenerTCP       = "tcp"
	ListenerBus       = "bus"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageNATS   = "nats"
)

// Bus types.
const (
	BusNone = ""
	BusNATS = "nats"
	BusAMQP = "amqp"
)

// ProfileOpen is the only accepted security profile.
const ProfileOpen = "open"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete configuration of one process.
type Config struct {
	Node      NodeConfig       `toml:"node" yaml:"node"`
	Listeners []ListenerConfig `toml:"listeners" yaml:"listeners"`
	Peers     []PeerConfig     `toml:"peers" yaml:"peers"`
	Upstream  UpstreamConfig   `toml:"upstream" yaml:"upstream"`
	Security  SecurityConfig   `toml:"security" yaml:"security"`
	Delivery  DeliveryConfig   `toml:"delivery" yaml:"delivery"`
	Routing   RoutingConfig    `toml:"routing" yaml:"routing"`
	Storage   StorageConfig    `toml:"storage" yaml:"storage"`
	Bus       BusConfig        `toml:"bus" yaml:"bus"`
	Codec     CodecConfig      `toml:"codec" yaml:"codec"`
	Telemetry TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig    `toml:"logging" yaml:"logging"`
}

// NodeConfig identifies the process.
type NodeConfig struct {
	ID   string `toml:"id" yaml:"id"`
	Role string `toml:"role" yaml:"role"`
}

// ListenerConfig is one inbound endpoint of a sentinel.
type ListenerConfig struct {
	Type    string `toml:"type" yaml:"type"`
	Address string `toml:"address" yaml:"address"`

	// Path is the HTTP path of a websocket listener. Default: "/"
	Path string `toml:"path" yaml:"path"`
}

// PeerConfig is another sentinel to keep a link to.
type PeerConfig struct {
	URL string `toml:"url" yaml:"url"`
}

// UpstreamConfig is the sentinel a node attaches to.
type UpstreamConfig struct {
	URL          string   `toml:"url" yaml:"url"`
	HelloTimeout Duration `toml:"hello_timeout" yaml:"hello_timeout"`

	// Bus attaches through a sentinel's bus listener instead of URL.
	Bus bool `toml:"bus" yaml:"bus"`
}

// SecurityConfig selects the security profile.
type SecurityConfig struct {
	Profile string `toml:"profile" yaml:"profile"`
}

// DeliveryConfig is the retry schedule for envelopes requiring an ack.
type DeliveryConfig struct {
	InitialBackoff Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	Multiplier     float64  `toml:"multiplier" yaml:"multiplier"`
	MaxBackoff     Duration `toml:"max_backoff" yaml:"max_backoff"`
	Jitter         float64  `toml:"jitter" yaml:"jitter"`
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts"`
	DedupWindow    int      `toml:"dedup_window" yaml:"dedup_window"`
}

// RoutingConfig tunes route propagation and selection.
type RoutingConfig struct {
	MaxHops        int    `toml:"max_hops" yaml:"max_hops"`
	Selection      string `toml:"selection" yaml:"selection"`
	RouteCacheSize int    `toml:"route_cache_size" yaml:"route_cache_size"`
	OutboxLimit    int    `toml:"outbox_limit" yaml:"outbox_limit"`

	// Registry is where a sentinel keeps its table: "memory" or "nats".
	Registry string `toml:"registry" yaml:"registry"`
}

// StorageConfig selects the state store backend.
type StorageConfig struct {
	Backend string `toml:"backend" yaml:"backend"`

	// Path of the sqlite database.
	Path string `toml:"path" yaml:"path"`

	// Address, Password and DB of a redis server.
	Address  string `toml:"address" yaml:"address"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`

	// Bucket of the NATS key-value store. The connection comes from the bus
	// section.
	Bucket string `toml:"bucket" yaml:"bucket"`
}

// BusConfig configures the message bus used for bus links and heartbeats.
type BusConfig struct {
	Type     string `toml:"type" yaml:"type"`
	URL      string `toml:"url" yaml:"url"`
	Prefix   string `toml:"prefix" yaml:"prefix"`
	Exchange string `toml:"exchange" yaml:"exchange"`

	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat"`
}

// HeartbeatConfig configures node liveness over the bus.
type HeartbeatConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
}

// CodecConfig selects the wire encoding of links.
type CodecConfig struct {
	Format      string `toml:"format" yaml:"format"`
	Compression string `toml:"compression" yaml:"compression"`
}

// TelemetryConfig configures tracing and the event journal.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled" yaml:"enabled"`
	ServiceName string            `toml:"service_name" yaml:"service_name"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint"`
	Protocol    string            `toml:"protocol" yaml:"protocol"`
	Insecure    bool              `toml:"insecure" yaml:"insecure"`
	SampleRatio float64           `toml:"sample_ratio" yaml:"sample_ratio"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`

	Journal JournalConfig `toml:"journal" yaml:"journal"`
}

// JournalConfig selects where route and link events are recorded.
type JournalConfig struct {
	// Protocol is "http", "file", "bus" or "noop". Endpoint is the URL,
	// path or subject respectively.
	Protocol string `toml:"protocol" yaml:"protocol"`
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// DefaultListenAddress is where a sentinel without listeners accepts
// websocket links.
const DefaultListenAddress = ":8700"

// Default returns the configuration of a standalone sentinel. Loaded files
// are decoded over it.
func Default() *Config {
	def := delivery.DefaultConfig()
	return &Config{
		Node: NodeConfig{Role: RoleSentinel},
		Upstream: UpstreamConfig{HelloTimeout: Duration(5 * time.Second)},
		Security: SecurityConfig{Profile: ProfileOpen},
		Delivery: DeliveryConfig{
			InitialBackoff: Duration(def.Backoff.Initial),
			Multiplier:     def.Backoff.Multiplier,
			MaxBackoff:     Duration(def.Backoff.Max),
			Jitter:         def.Backoff.Jitter,
			MaxAttempts:    def.MaxAttempts,
			DedupWindow:    4096,
		},
		Routing: RoutingConfig{
			MaxHops:        envelope.DefaultTTL,
			Selection:      string(registry.SelectFirst),
			RouteCacheSize: 1024,
			OutboxLimit:    4096,
			Registry:       StorageMemory,
		},
		Storage: StorageConfig{Backend: StorageMemory, Bucket: "fabric-state"},
		Bus: BusConfig{
			Prefix: "fabric",
			Heartbeat: HeartbeatConfig{
				Interval: Duration(5 * time.Second),
				Timeout:  Duration(15 * time.Second),
			},
		},
		Codec: CodecConfig{Format: "json", Compression: "none"},
		Telemetry: TelemetryConfig{
			ServiceName: "agentfabric",
			Protocol:    "grpc",
			SampleRatio: 1,
			Journal:     JournalConfig{Protocol: "noop"},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// applyDefaults fills in what depends on other fields.
func (c *Config) applyDefaults() {
	if c.Node.Role == RoleSentinel && len(c.Listeners) == 0 {
		c.Listeners = []ListenerConfig{{Type: ListenerWebSocket, Address: DefaultListenAddress}}
	}
	for i := range c.Listeners {
		if c.Listeners[i].Type == ListenerWebSocket && c.Listeners[i].Path == "" {
			c.Listeners[i].Path = "/"
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Node.Role {
	case RoleSentinel, RoleNode:
	default:
		fail("node.role must be %q or %q, got %q", RoleSentinel, RoleNode, c.Node.Role)
	}
	if c.Node.ID != "" && strings.ContainsAny(c.Node.ID, "@. \t\r\n*>") {
		fail("node.id %q contains a reserved character", c.Node.ID)
	}

	for i, l := range c.Listeners {
		switch l.Type {
		case ListenerWebSocket, ListenerTCP:
			if l.Address == "" {
				fail("listeners[%d]: address required", i)
			}
		case ListenerBus:
			if c.Bus.Type == BusNone {
				fail("listeners[%d]: bus listener needs a bus section", i)
			}
		default:
			fail("listeners[%d]: unknown type %q", i, l.Type)
		}
	}
	for i, p := range c.Peers {
		if err := checkLinkURL(p.URL); err != nil {
			fail("peers[%d]: %v", i, err)
		}
	}
	if c.Upstream.URL != "" {
		if err := checkLinkURL(c.Upstream.URL); err != nil {
			fail("upstream: %v", err)
		}
		if c.Upstream.Bus {
			fail("upstream: url and bus are exclusive")
		}
	}
	if c.Upstream.Bus && c.Bus.Type == BusNone {
		fail("upstream.bus needs a bus section")
	}
	if c.Node.Role == RoleNode && len(c.Listeners) > 0 {
		fail("listeners are only served by sentinels")
	}

	if c.Security.Profile != ProfileOpen {
		fail("security.profile must be %q, got %q", ProfileOpen, c.Security.Profile)
	}

	if err := c.DeliveryConfig().Validate(); err != nil {
		fail("delivery: %v", err)
	}
	if c.Delivery.DedupWindow < 0 {
		fail("delivery.dedup_window must be non-negative")
	}

	if c.Routing.MaxHops < 0 {
		fail("routing.max_hops must be non-negative")
	}
	switch registry.SelectionPolicy(c.Routing.Selection) {
	case "", registry.SelectFirst, registry.SelectRoundRobin:
	default:
		fail("routing.selection: unknown policy %q", c.Routing.Selection)
	}
	switch c.Routing.Registry {
	case "", StorageMemory:
	case StorageNATS:
		if c.Bus.Type != BusNATS {
			fail("routing.registry nats needs bus.type nats")
		}
	default:
		fail("routing.registry: unknown backend %q", c.Routing.Registry)
	}

	switch c.Storage.Backend {
	case "", StorageMemory, StorageSQLite:
	case StorageRedis:
		if c.Storage.Address == "" {
			fail("storage.address required for redis")
		}
	case StorageNATS:
		if c.Bus.Type != BusNATS {
			fail("storage backend nats needs bus.type nats")
		}
	default:
		fail("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	switch c.Bus.Type {
	case BusNone, BusNATS, BusAMQP:
	default:
		fail("bus.type: unknown bus %q", c.Bus.Type)
	}
	if c.Bus.Heartbeat.Interval < 0 || c.Bus.Heartbeat.Timeout < 0 {
		fail("bus.heartbeat durations must be non-negative")
	}
	if c.Bus.Heartbeat.Timeout > 0 && c.Bus.Heartbeat.Timeout <= c.Bus.Heartbeat.Interval {
		fail("bus.heartbeat.timeout must exceed the interval")
	}

	if _, err := c.WireCodec(); err != nil {
		fail("codec: %v", err)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		fail("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		fail("telemetry.sample_ratio must be in [0,1]")
	}
	switch c.Telemetry.Journal.Protocol {
	case "", "noop", "file", "http":
	case "bus":
		if c.Bus.Type == BusNone {
			fail("telemetry.journal.protocol bus needs a bus section")
		}
	default:
		fail("telemetry.journal.protocol: unknown protocol %q", c.Telemetry.Journal.Protocol)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		fail("logging.level: unknown level %q", c.Logging.Level)
	}

	return errors.Join(errs...)
}

func checkLinkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("url %q: scheme must be ws, wss or tcp", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: host required", raw)
	}
	return nil
}

// DeliveryConfig returns the retry schedule.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		Backoff: delivery.Backoff{
			Initial:    c.Delivery.InitialBackoff.Std(),
			Multiplier: c.Delivery.Multiplier,
			Max:        c.Delivery.MaxBackoff.Std(),
			Jitter:     c.Delivery.Jitter,
		},
		MaxAttempts: c.Delivery.MaxAttempts,
	}
}

// WireCodec returns the configured link codec.
func (c *Config) WireCodec() (codec.Codec, error) {
	return codec.ByName(c.Codec.Format, c.Codec.Compression)
}

// Selection returns the routing selection policy.
func (c *Config) Selection() registry.SelectionPolicy {
	if c.Routing.Selection == "" {
		return registry.SelectFirst
	}
	return registry.SelectionPolicy(c.Routing.Selection)
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}
