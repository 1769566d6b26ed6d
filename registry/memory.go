package registry

import (
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
)

// MemoryRegistry is an in-memory implementation of Registry.
// It is the routing table of every node and sentinel.
type MemoryRegistry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	watchers []chan Event
	closed   bool
	done     chan struct{}

	// TTL for stale entry detection. Zero means no expiry.
	ttl time.Duration
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before a route not refreshed is dropped.
	// Zero means entries never expire.
	TTL time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]Entry),
		ttl:     cfg.TTL,
		done:    make(chan struct{}),
	}
	if cfg.TTL > 0 {
		go r.cleanupLoop()
	}
	return r
}

// Register adds or updates a route.
func (r *MemoryRegistry) Register(entry Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	entry.Capabilities = append([]envelope.Capability(nil), entry.Capabilities...)
	entry.LastSeen = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	key := entry.Key()
	_, exists := r.entries[key]
	r.entries[key] = entry

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Entry: entry})
	return nil
}

// Deregister removes a route.
func (r *MemoryRegistry) Deregister(addr envelope.Address, targetID string) error {
	if addr == "" {
		return ErrInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	key := Entry{Address: addr, Target: Target{ID: targetID}}.Key()
	entry, exists := r.entries[key]
	if !exists {
		return ErrNotFound
	}
	delete(r.entries, key)
	r.notifyWatchers(Event{Type: EventRemoved, Entry: entry})
	return nil
}

// DeregisterTarget removes every route through targetID.
func (r *MemoryRegistry) DeregisterTarget(targetID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var removed []Entry
	for key, entry := range r.entries {
		if entry.Target.ID == targetID {
			delete(r.entries, key)
			removed = append(removed, entry)
		}
	}
	SortEntries(removed)
	for _, entry := range removed {
		r.notifyWatchers(Event{Type: EventRemoved, Entry: entry})
	}
	return removed, nil
}

// Lookup returns every live route for addr, best first.
func (r *MemoryRegistry) Lookup(addr envelope.Address) ([]Entry, error) {
	if addr == "" {
		return nil, ErrInvalidAddress
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []Entry
	now := time.Now()
	for _, entry := range r.entries {
		if entry.Address == addr && !r.stale(entry, now) {
			result = append(result, entry)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	SortEntries(result)
	return result, nil
}

// FindByCapabilities returns routes advertising every capability in caps.
func (r *MemoryRegistry) FindByCapabilities(caps []envelope.Capability) ([]Entry, error) {
	return r.List(&Filter{Capabilities: caps})
}

// List returns all live routes matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []Entry
	now := time.Now()
	for _, entry := range r.entries {
		if r.stale(entry, now) {
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
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

func (r *MemoryRegistry) stale(e Entry, now time.Time) bool {
	return r.ttl > 0 && now.Sub(e.LastSeen) > r.ttl
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes stale entries.
func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		now := time.Now()
		for key, entry := range r.entries {
			if r.stale(entry, now) {
				delete(r.entries, key)
				r.notifyWatchers(Event{Type: EventRemoved, Entry: entry})
			}
		}
		r.mu.Unlock()
	}
}
