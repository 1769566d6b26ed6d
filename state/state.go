package state

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrClosed        = errors.New("store closed")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidTTL    = errors.New("invalid TTL")
	ErrInvalidNS     = errors.New("invalid namespace")
	ErrGuardReleased = errors.New("guard already released")
)

// Top-level key spaces. Everything a node persists lives under one of them.
const (
	AgentSpace = "agents."
	TaskSpace  = "tasks."
	KVSpace    = "kv."
)

// MaxKeyLen bounds key length across every backend.
const MaxKeyLen = 1024

// AddressSegment encodes an agent address as one dot-free key segment, so
// that keys of different agents never share a prefix.
func AddressSegment(addr string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(addr))
}

// AgentKey is where the named value of agent addr is stored.
func AgentKey(addr, name string) string {
	return AgentSpace + AddressSegment(addr) + "." + name
}

// TaskPrefix is the prefix under which the tasks owned by addr live.
func TaskPrefix(addr string) string {
	return TaskSpace + AddressSegment(addr) + "."
}

func kvPrefix(ns string) string {
	return KVSpace + ns + "."
}

// KeyValue is a stored entry. Revision increases on every write to the key;
// backends without native revisions count writes themselves.
type KeyValue struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
	Modified time.Time
}

// StateStore is the byte-level key-value store behind agent state, the
// namespaced KV store and task persistence. Each operation is atomic on its
// own; there are no cross-key transactions.
type StateStore interface {
	// Get returns ErrNotFound for a missing or expired key.
	Get(key string) ([]byte, error)
	GetKeyValue(key string) (*KeyValue, error)

	// Put stores value. A zero ttl never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete of a missing key is not an error.
	Delete(key string) error

	// Keys returns the keys matching pattern in sorted order. See MatchPattern.
	Keys(pattern string) ([]string, error)

	Close() error
}

// ValidateKey rejects empty keys, keys with whitespace, keys longer than
// MaxKeyLen and keys that begin or end with a dot.
func ValidateKey(key string) error {
	switch {
	case key == "", len(key) > MaxKeyLen:
		return ErrInvalidKey
	case strings.ContainsAny(key, " \t\n"):
		return ErrInvalidKey
	case key[0] == '.' || key[len(key)-1] == '.':
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL rejects negative durations.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern reports whether key matches pattern. A pattern is either an
// exact key or a prefix followed by a single trailing "*".
func MatchPattern(pattern, key string) bool {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		return pattern == key
	}
	return strings.HasPrefix(key, prefix)
}
