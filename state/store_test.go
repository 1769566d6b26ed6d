package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// runStoreSuite checks the StateStore contract against any backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) StateStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get("nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		s := open(t)
		if err := s.Put("test.key", []byte("test-value"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("test.key")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "test-value" {
			t.Errorf("expected test-value, got %s", got)
		}
	})

	t.Run("KeyValueMetadata", func(t *testing.T) {
		s := open(t)
		s.Put("meta.key", []byte("v1"), 0)
		first, err := s.GetKeyValue("meta.key")
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if first.Key != "meta.key" || string(first.Value) != "v1" {
			t.Errorf("unexpected entry %+v", first)
		}
		if first.Revision == 0 {
			t.Error("expected non-zero revision")
		}

		s.Put("meta.key", []byte("v2"), 0)
		second, _ := s.GetKeyValue("meta.key")
		if second.Revision <= first.Revision {
			t.Errorf("revision did not advance: %d -> %d", first.Revision, second.Revision)
		}
		if string(second.Value) != "v2" {
			t.Errorf("expected v2, got %s", second.Value)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		s.Put("del.key", []byte("value"), 0)
		if err := s.Delete("del.key"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("del.key"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete("never.existed"); err != nil {
			t.Errorf("Delete of missing key should not error: %v", err)
		}
	})

	t.Run("KeysPattern", func(t *testing.T) {
		s := open(t)
		s.Put("config.b", []byte("2"), 0)
		s.Put("config.a", []byte("1"), 0)
		s.Put("other.x", []byte("3"), 0)

		keys, err := s.Keys("config.*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "config.a" || keys[1] != "config.b" {
			t.Errorf("expected sorted [config.a config.b], got %v", keys)
		}

		keys, _ = s.Keys("*")
		if len(keys) != 3 {
			t.Errorf("expected 3 keys, got %v", keys)
		}

		keys, _ = s.Keys("other.x")
		if len(keys) != 1 {
			t.Errorf("expected exact match, got %v", keys)
		}
	})

	t.Run("KeysWithSpecialCharacters", func(t *testing.T) {
		s := open(t)
		s.Put("task:abc|1", []byte("x"), 0)
		s.Put("task:abd", []byte("y"), 0)

		keys, err := s.Keys("task:abc*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 || keys[0] != "task:abc|1" {
			t.Errorf("expected [task:abc|1], got %v", keys)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		s := open(t)
		s.Put("temp", []byte("value"), 50*time.Millisecond)
		if _, err := s.Get("temp"); err != nil {
			t.Fatalf("expected value, got %v", err)
		}
		time.Sleep(120 * time.Millisecond)
		if _, err := s.Get("temp"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after TTL, got %v", err)
		}
	})

	t.Run("PutClearsTTL", func(t *testing.T) {
		s := open(t)
		s.Put("sticky", []byte("a"), 50*time.Millisecond)
		s.Put("sticky", []byte("b"), 0)
		time.Sleep(120 * time.Millisecond)
		if _, err := s.Get("sticky"); err != nil {
			t.Errorf("expected key to survive after TTL was cleared: %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		s := open(t)
		for _, key := range []string{"", "key with space", ".leading", "trailing."} {
			if err := s.Put(key, []byte("v"), 0); err != ErrInvalidKey {
				t.Errorf("Put(%q): expected ErrInvalidKey, got %v", key, err)
			}
		}
		if err := s.Put("key", []byte("v"), -time.Second); err != ErrInvalidTTL {
			t.Errorf("expected ErrInvalidTTL, got %v", err)
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		s := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					s.Put(fmt.Sprintf("c.%d", id), []byte("value"), 0)
				}
			}(i)
		}
		wg.Wait()
		keys, _ := s.Keys("c.*")
		if len(keys) != 8 {
			t.Errorf("expected 8 keys, got %d", len(keys))
		}
	})

	t.Run("OperationsAfterClose", func(t *testing.T) {
		s := open(t)
		s.Close()
		if _, err := s.Get("key"); err != ErrClosed {
			t.Errorf("Get: expected ErrClosed, got %v", err)
		}
		if err := s.Put("key", []byte("val"), 0); err != ErrClosed {
			t.Errorf("Put: expected ErrClosed, got %v", err)
		}
		if err := s.Delete("key"); err != ErrClosed {
			t.Errorf("Delete: expected ErrClosed, got %v", err)
		}
		if _, err := s.Keys("*"); err != ErrClosed {
			t.Errorf("Keys: expected ErrClosed, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) StateStore {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) StateStore {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	s.Put("agent.counter", []byte("41"), 0)
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get("agent.counter")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "41" {
		t.Errorf("expected 41, got %s", got)
	}
}

func TestSQLiteStore_Purge(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	s.Put("short", []byte("x"), 10*time.Millisecond)
	s.Put("long", []byte("y"), 0)
	time.Sleep(30 * time.Millisecond)

	n, err := s.Purge()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	original := []byte("original")
	s.Put("key", original, 0)
	original[0] = 'X'

	val, _ := s.Get("key")
	if string(val) != "original" {
		t.Errorf("value was mutated: %s", val)
	}
	val[0] = 'Y'

	val2, _ := s.Get("key")
	if string(val2) != "original" {
		t.Errorf("value was mutated through Get: %s", val2)
	}
}

func TestPackValue(t *testing.T) {
	v, expired := unpackValue(packValue([]byte("hello"), 0))
	if expired || string(v) != "hello" {
		t.Errorf("unexpected %q expired=%v", v, expired)
	}

	_, expired = unpackValue(packValue([]byte("x"), time.Nanosecond))
	time.Sleep(time.Millisecond)
	if !expired {
		t.Error("expected expired value")
	}
}

func TestNATSKeyEncoding(t *testing.T) {
	for _, key := range []string{"task:1", "kv.ns.a|b", "agent@node/x"} {
		enc := encodeNATSKey(key)
		dec, err := decodeNATSKey(enc)
		if err != nil || dec != key {
			t.Errorf("round trip %q -> %q -> %q (%v)", key, enc, dec, err)
		}
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	if _, err := NewNATSStore(NATSStoreConfig{Bucket: "test"}); err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("escapeGlob = %q", got)
	}
}
