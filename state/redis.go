package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig describes the Redis connection.
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int

	// Prefix namespaces every key this store writes.
	// Default: "fabric:"
	Prefix string

	// Timeout bounds each round trip.
	// Default: 5s
	Timeout time.Duration
}

// RedisStore implements StateStore on Redis. Each entry is a hash holding
// the value and its metadata; TTL maps onto PEXPIRE.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	closed  atomic.Bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fabric:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout}, nil
}

func (s *RedisStore) dataKey(key string) string { return s.prefix + "k:" + key }
func (s *RedisStore) revKey() string            { return s.prefix + "rev" }

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *RedisStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.dataKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	v, ok := fields["v"]
	if !ok {
		return nil, ErrNotFound
	}
	rev, _ := strconv.ParseUint(fields["rev"], 10, 64)
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	modified, _ := strconv.ParseInt(fields["modified"], 10, 64)
	return &KeyValue{
		Key:      key,
		Value:    []byte(v),
		Revision: rev,
		Created:  time.Unix(0, created),
		Modified: time.Unix(0, modified),
	}, nil
}

// Put stores a value with an optional TTL.
func (s *RedisStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	rev, err := s.client.Incr(ctx, s.revKey()).Result()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	now := time.Now().UnixNano()
	dk := s.dataKey(key)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, dk, "v", value, "rev", rev, "modified", now)
		p.HSetNX(ctx, dk, "created", now)
		if ttl > 0 {
			p.PExpire(ctx, dk, ttl)
		} else {
			p.Persist(ctx, dk)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.Del(ctx, s.dataKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *RedisStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	match := s.dataKey(escapeGlob(pattern))
	if pattern == "*" {
		match = s.dataKey("*")
	} else if strings.HasSuffix(pattern, "*") {
		match = s.dataKey(escapeGlob(strings.TrimSuffix(pattern, "*")) + "*")
	}

	strip := s.dataKey("")
	var keys []string
	seen := make(map[string]bool)
	iter := s.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		// SCAN may yield a key more than once.
		k := strings.TrimPrefix(iter.Val(), strip)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// escapeGlob quotes the characters Redis MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
