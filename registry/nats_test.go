package registry

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentfabric/envelope"
)

// getNATSConn returns a NATS connection for testing, or skips the test.
func getNATSConn(t *testing.T) *nats.Conn {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	conn, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(0),
	)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	return conn
}

// uniqueBucket generates a unique bucket name for test isolation.
func uniqueBucket() string {
	return fmt.Sprintf("test-routes-%d", time.Now().UnixNano()%1000000000)
}

func newNATSRegistry(t *testing.T) *NATSRegistry {
	conn := getNATSConn(t)
	t.Cleanup(conn.Close)

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()
	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNATSRegistry_RegisterLookup(t *testing.T) {
	r := newNATSRegistry(t)

	if err := r.Register(viaLink("math@node-2", "link-7", 1, "math")); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	got, err := r.Lookup("math@node-2")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if len(got) != 1 || got[0].Target.ID != "link-7" || got[0].Target.Hops != 1 {
		t.Errorf("Lookup = %+v", got)
	}

	found, err := r.FindByCapabilities([]envelope.Capability{"math"})
	if err != nil {
		t.Fatalf("FindByCapabilities error: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("FindByCapabilities len = %d, want 1", len(found))
	}
}

func TestNATSRegistry_Deregister(t *testing.T) {
	r := newNATSRegistry(t)

	r.Register(viaLink("a@x", "link-1", 1))
	r.Register(viaLink("b@x", "link-1", 1))

	if err := r.Deregister("a@x", "link-1"); err != nil {
		t.Fatalf("Deregister error: %v", err)
	}
	if err := r.Deregister("a@x", "link-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Deregister error = %v, want ErrNotFound", err)
	}
	removed, err := r.DeregisterTarget("link-1")
	if err != nil {
		t.Fatalf("DeregisterTarget error: %v", err)
	}
	if len(removed) != 1 || removed[0].Address != "b@x" {
		t.Errorf("removed = %+v", removed)
	}
}

func TestNATSRegistry_Watch(t *testing.T) {
	r := newNATSRegistry(t)

	ch, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	r.Register(local("echo@node-1"))
	r.Deregister("echo@node-1", "node-1")

	for _, want := range []EventType{EventAdded, EventRemoved} {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("event type = %v, want %v", ev.Type, want)
			}
			if ev.Entry.Address != "echo@node-1" {
				t.Errorf("event address = %q", ev.Entry.Address)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %v", want)
		}
	}
}

func TestNATSRegistry_NilConn(t *testing.T) {
	if _, err := NewNATSRegistry(nil, DefaultNATSRegistryConfig()); err == nil {
		t.Error("expected error for nil connection")
	}
}
