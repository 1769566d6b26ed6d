package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/agentfabric/envelope"
)

// NATSRegistry implements Registry using a NATS JetStream KV bucket, so that
// several sentinel replicas can share one routing table.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "fabric-routes"
	BucketName string

	// TTL for route entries. Zero means no expiry.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// Timeout bounds each KV operation. Default: 5s
	Timeout time.Duration
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "fabric-routes",
		TTL:        30 * time.Second,
		Replicas:   1,
		Timeout:    5 * time.Second,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = "fabric-routes"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancelInit := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancelInit()

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
		TTL:      cfg.TTL,
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	r := &NATSRegistry{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cancel: cancel,
	}
	go r.watchKV(watchCtx)
	return r, nil
}

// kvKey encodes an entry key into the KV key alphabet.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (r *NATSRegistry) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.Timeout)
}

func (r *NATSRegistry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Register adds or updates a route.
func (r *NATSRegistry) Register(entry Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}

	entry.LastSeen = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if _, err := r.kv.Put(ctx, kvKey(entry.Key()), data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Deregister removes a route.
func (r *NATSRegistry) Deregister(addr envelope.Address, targetID string) error {
	if addr == "" {
		return ErrInvalidAddress
	}
	if r.isClosed() {
		return ErrClosed
	}

	key := kvKey(Entry{Address: addr, Target: Target{ID: targetID}}.Key())
	ctx, cancel := r.ctx()
	defer cancel()

	if _, err := r.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get from kv: %w", err)
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// DeregisterTarget removes every route through targetID.
func (r *NATSRegistry) DeregisterTarget(targetID string) ([]Entry, error) {
	entries, err := r.List(&Filter{TargetID: targetID})
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	for _, entry := range entries {
		if err := r.kv.Delete(ctx, kvKey(entry.Key())); err != nil {
			return nil, fmt.Errorf("delete from kv: %w", err)
		}
	}
	return entries, nil
}

// Lookup returns every route for addr, best first.
func (r *NATSRegistry) Lookup(addr envelope.Address) ([]Entry, error) {
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	all, err := r.List(nil)
	if err != nil {
		return nil, err
	}
	var result []Entry
	for _, entry := range all {
		if entry.Address == addr {
			result = append(result, entry)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// FindByCapabilities returns routes advertising every capability in caps.
func (r *NATSRegistry) FindByCapabilities(caps []envelope.Capability) ([]Entry, error) {
	return r.List(&Filter{Capabilities: caps})
}

// List returns all routes matching the filter.
func (r *NATSRegistry) List(filter *Filter) ([]Entry, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := r.ctx()
	defer cancel()

	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []Entry
	for _, key := range keys {
		kve, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}
		var entry Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			continue
		}
		if MatchesFilter(entry, filter) {
			result = append(result, entry)
		}
	}
	SortEntries(result)
	return result, nil
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry. The connection is not closed.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// watchKV turns bucket updates into registry events.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case kve := <-watcher.Updates():
			if kve == nil {
				continue
			}

			var event Event
			switch kve.Operation() {
			case jetstream.KeyValuePut:
				var entry Entry
				if err := json.Unmarshal(kve.Value(), &entry); err != nil {
					continue
				}
				event = Event{Type: EventUpdated, Entry: entry}
				if kve.Revision() == 1 {
					event.Type = EventAdded
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				raw, err := base64.RawURLEncoding.DecodeString(kve.Key())
				if err != nil {
					continue
				}
				var entry Entry
				key := string(raw)
				if i := strings.LastIndex(key, "|"); i >= 0 {
					entry.Address = envelope.Address(key[:i])
					entry.Target.ID = key[i+1:]
				}
				event = Event{Type: EventRemoved, Entry: entry}
			default:
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}
			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}
