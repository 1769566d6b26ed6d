package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Guard serializes access to one persisted value of type T. Holders are
// granted in arrival order; releasing a handle writes the value back to the
// store before the next holder sees it.
type Guard[T any] struct {
	store   StateStore
	key     string
	initial []byte

	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Handle is exclusive access to a guarded value. Value may be modified
// freely until Release.
type Handle[T any] struct {
	Value T

	g    *Guard[T]
	once sync.Once
}

// NewGuard creates a guard over key. A copy of initial is used when the key
// has no stored value yet.
func NewGuard[T any](store StateStore, key string, initial T) (*Guard[T], error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("encode initial value of %s: %w", key, err)
	}
	return &Guard[T]{store: store, key: key, initial: data}, nil
}

// Key returns the store key backing the guard.
func (g *Guard[T]) Key() string {
	return g.key
}

// Acquire waits for exclusive access. If ctx ends first the caller leaves
// the queue and ctx's error is returned.
func (g *Guard[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	g.mu.Lock()
	if !g.held && len(g.waiters) == 0 {
		g.held = true
		g.mu.Unlock()
		return g.open()
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return g.open()
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		// Granted concurrently with cancellation; pass it on.
		g.handoff()
		return nil, ctx.Err()
	}
}

// Update runs fn with exclusive access and persists the value afterwards,
// whether or not fn fails.
func (g *Guard[T]) Update(ctx context.Context, fn func(v *T) error) error {
	h, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(&h.Value)
	relErr := h.Release()
	if fnErr != nil {
		return fnErr
	}
	return relErr
}

// Load reads the current persisted value without taking the guard.
func (g *Guard[T]) Load() (T, error) {
	return g.load()
}

func (g *Guard[T]) open() (*Handle[T], error) {
	v, err := g.load()
	if err != nil {
		g.handoff()
		return nil, err
	}
	return &Handle[T]{Value: v, g: g}, nil
}

func (g *Guard[T]) load() (T, error) {
	data, err := g.store.Get(g.key)
	if errors.Is(err, ErrNotFound) {
		data, err = g.initial, nil
	}
	if err != nil {
		var zero T
		return zero, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", g.key, err)
	}
	return v, nil
}

// handoff grants the guard to the next waiter or marks it free.
func (g *Guard[T]) handoff() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.held = false
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	close(next)
}

// Release persists Value and hands the guard on. The guard is released even
// when persisting fails. A second call returns ErrGuardReleased.
func (h *Handle[T]) Release() error {
	err := ErrGuardReleased
	h.once.Do(func() {
		err = h.persist()
		h.g.handoff()
	})
	return err
}

func (h *Handle[T]) persist() error {
	data, err := json.Marshal(h.Value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", h.g.key, err)
	}
	return h.g.store.Put(h.g.key, data, 0)
}
