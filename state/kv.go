package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one typed entry of a KV namespace.
type Record[T any] struct {
	Key       string    `json:"key"`
	Value     T         `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// KV is a typed view over one namespace of a StateStore. Namespaces map to
// disjoint key prefixes, so two KVs with different namespaces never see
// each other's records.
type KV[T any] struct {
	store  StateStore
	ns     string
	prefix string
}

// NewKV opens namespace ns on store.
func NewKV[T any](store StateStore, ns string) (*KV[T], error) {
	if ns == "" || strings.ContainsAny(ns, ".* \t\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNS, ns)
	}
	return &KV[T]{store: store, ns: ns, prefix: kvPrefix(ns)}, nil
}

// Namespace returns the namespace name.
func (kv *KV[T]) Namespace() string {
	return kv.ns
}

// Get returns the record for key, or ErrNotFound.
func (kv *KV[T]) Get(key string) (Record[T], error) {
	var rec Record[T]
	data, err := kv.store.Get(kv.prefix + key)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}

// Set stores value under key, replacing any existing record.
func (kv *KV[T]) Set(key string, value T) (Record[T], error) {
	rec := Record[T]{Key: key, Value: value, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.store.Put(kv.prefix+key, data, 0); err != nil {
		return rec, err
	}
	return rec, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KV[T]) Delete(key string) error {
	return kv.store.Delete(kv.prefix + key)
}

// List returns every record in the namespace ordered by key.
func (kv *KV[T]) List() ([]Record[T], error) {
	keys, err := kv.store.Keys(kv.prefix + "*")
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0, len(keys))
	for _, k := range keys {
		rec, err := kv.Get(strings.TrimPrefix(k, kv.prefix))
		if errors.Is(err, ErrNotFound) {
			continue // expired or deleted since listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
