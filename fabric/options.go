package fabric

import (
	"time"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/state"
	"github.com/vinayprograms/agentfabric/telemetry"
	"github.com/vinayprograms/agentfabric/transport"
)

// Defaults.
const (
	DefaultDedupWindow  = 4096
	DefaultStreamBuffer = 64
	DefaultInboxSize    = 1024
	DefaultHelloTimeout = 5 * time.Second
)

// Interceptor sees every envelope a node emits except link control frames.
// It returns the envelope to send, or false to drop it as if lost in
// transit.
type Interceptor func(env envelope.Envelope) (envelope.Envelope, bool)

// Option configures a Fabric.
type Option func(*options)

type options struct {
	nodeID       string
	upstream     transport.Link
	upstreamURL  string
	upstreamBus  bus.MessageBus
	busLink      bus.LinkConfig
	delivery     delivery.Config
	seed         *int64
	policy       registry.SelectionPolicy
	store        state.StateStore
	logger       *logging.Logger
	codec        codec.Codec
	interceptor  Interceptor
	dedupWindow  int
	streamBuffer int
	inboxSize    int
	helloTimeout time.Duration
	heartbeatBus bus.MessageBus
	heartbeatInt time.Duration
	tracer       *telemetry.Tracer
	owned        *owned
}

func defaultOptions() options {
	return options{
		delivery:     delivery.DefaultConfig(),
		policy:       registry.SelectFirst,
		dedupWindow:  DefaultDedupWindow,
		streamBuffer: DefaultStreamBuffer,
		inboxSize:    DefaultInboxSize,
		helloTimeout: DefaultHelloTimeout,
	}
}

// WithNodeID names the node. Generated addresses use it as their location.
// Default: a random id.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithUpstream attaches the node to a sentinel over an established link.
// The link is not redialed when it ends.
func WithUpstream(link transport.Link) Option {
	return func(o *options) { o.upstream = link }
}

// WithUpstreamURL attaches the node to the sentinel at url (ws://, wss://
// or tcp://) and redials it with backoff whenever the link drops.
func WithUpstreamURL(url string) Option {
	return func(o *options) { o.upstreamURL = url }
}

// WithUpstreamBus attaches the node to a sentinel listening on b.
func WithUpstreamBus(b bus.MessageBus, cfg bus.LinkConfig) Option {
	return func(o *options) {
		o.upstreamBus = b
		o.busLink = cfg
	}
}

// WithDelivery sets the retry schedule for envelopes that require an ack.
func WithDelivery(cfg delivery.Config) Option {
	return func(o *options) { o.delivery = cfg }
}

// WithSeed makes retry jitter reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = &seed }
}

// WithPolicy sets how a capability destination served by several local
// agents is resolved.
func WithPolicy(p registry.SelectionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithStore sets the state store used for agent state and task snapshots.
// Default: an in-memory store, closed with the fabric.
func WithStore(s state.StateStore) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the wire codec of links the fabric dials itself.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithInterceptor installs fn on the node's outgoing path.
func WithInterceptor(fn Interceptor) Option {
	return func(o *options) { o.interceptor = fn }
}

// WithDedupWindow sets how many recently received envelopes are
// remembered for duplicate suppression.
func WithDedupWindow(n int) Option {
	return func(o *options) { o.dedupWindow = n }
}

// WithStreamBuffer bounds the items queued per open stream. A producer on
// the same node waits while its consumer's queue is full; other calls are
// never held up.
func WithStreamBuffer(n int) Option {
	return func(o *options) { o.streamBuffer = n }
}

// WithHelloTimeout bounds the wait for the sentinel's hello.
func WithHelloTimeout(d time.Duration) Option {
	return func(o *options) { o.helloTimeout = d }
}

// WithHeartbeat publishes node heartbeats on b every interval.
func WithHeartbeat(b bus.MessageBus, interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatBus = b
		o.heartbeatInt = interval
	}
}

// WithTracer sets the tracer for send and handle spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}
