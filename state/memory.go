package state

import (
	"bytes"
	"slices"
	"sync"
	"time"
)

// sweepInterval is how often a MemoryStore drops expired keys. Reads never
// return an expired key regardless.
const sweepInterval = time.Second

// MemoryStore keeps state in process memory. It is the default store for a
// node without persistence configured; use SQLiteStore to survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	rev     uint64
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type memRecord struct {
	kv       KeyValue
	deadline time.Time
}

func (r *memRecord) live(now time.Time) bool {
	return r.deadline.IsZero() || !now.After(r.deadline)
}

// NewMemoryStore returns an empty store with its expiry sweeper running.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*memRecord),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	defer s.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.mu.Lock()
			for key, r := range s.records {
				if !r.live(now) {
					delete(s.records, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// lookup returns the live record for key. The caller holds s.mu.
func (s *MemoryStore) lookup(key string) (*memRecord, error) {
	if s.closed {
		return nil, ErrClosed
	}
	r, ok := s.records[key]
	if !ok || !r.live(time.Now()) {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	kv := r.kv
	kv.Value = bytes.Clone(r.kv.Value)
	return &kv, nil
}

func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now()
	s.rev++
	r, err := s.lookup(key)
	if err != nil {
		r = &memRecord{kv: KeyValue{Key: key, Created: now}}
		s.records[key] = r
	}
	r.kv.Value = bytes.Clone(value)
	r.kv.Revision = s.rev
	r.kv.Modified = now
	r.deadline = time.Time{}
	if ttl > 0 {
		r.deadline = now.Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	keys := make([]string, 0, len(s.records))
	for key, r := range s.records {
		if r.live(now) && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close drops every record. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.records = nil
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	return nil
}
