//go:build integration

package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/logging"
)

// newTestNATSBus connects to NATS_URL (default localhost) or skips.
func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Name = "fabric-bus-test"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSBus_LinkRoundTrip(t *testing.T) {
	b := newTestNATSBus(t)

	cfg := LinkConfig{Prefix: "fabric.nats-test", Codec: codec.CBOR{}, Logger: logging.Discard()}
	ln, err := Listen(b, cfg)
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer ln.Close()

	node, err := DialLink(b, "worker1", cfg)
	if err != nil {
		t.Fatalf("DialLink error: %v", err)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go node.Run(ctx)

	sent := linkEnvelope(t, "add")
	if err := node.Send(sent); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	go server.Run(ctx)

	got := recvEnvelope(t, server)
	if got.ID != sent.ID || got.Frame.Invoke == nil || got.Frame.Invoke.Operation != "add" {
		t.Errorf("received %+v, want invoke add with id %s", got, sent.ID)
	}

	reply := linkEnvelope(t, "result")
	if err := server.Send(reply); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := recvEnvelope(t, node); got.ID != reply.ID {
		t.Errorf("ID = %q, want %q", got.ID, reply.ID)
	}
}

func TestNATSBus_QueueSubscribeSpreadsWork(t *testing.T) {
	b := newTestNATSBus(t)

	s1, err := b.QueueSubscribe("fabric.nats-test.work", "sentinels")
	if err != nil {
		t.Fatalf("QueueSubscribe error: %v", err)
	}
	defer s1.Unsubscribe()
	s2, err := b.QueueSubscribe("fabric.nats-test.work", "sentinels")
	if err != nil {
		t.Fatalf("QueueSubscribe error: %v", err)
	}
	defer s2.Unsubscribe()

	const n = 10
	for i := 0; i < n; i++ {
		if err := b.Publish("fabric.nats-test.work", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	received := 0
	timeout := time.After(3 * time.Second)
	for received < n {
		select {
		case <-s1.Messages():
			received++
		case <-s2.Messages():
			received++
		case <-timeout:
			t.Fatalf("received %d of %d messages", received, n)
		}
	}
}

func TestNATSBus_Request(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("fabric.nats-test.ping")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages()
		b.Publish(msg.Reply, append([]byte("pong:"), msg.Data...))
	}()

	resp, err := b.Request("fabric.nats-test.ping", []byte("s1"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(resp.Data) != "pong:s1" {
		t.Errorf("response = %q, want pong:s1", resp.Data)
	}

	if _, err := b.Request("fabric.nats-test.nobody", nil, 200*time.Millisecond); err == nil {
		t.Error("expected an error without responders")
	}
}

func TestNATSBus_SharedConn(t *testing.T) {
	b := newTestNATSBus(t)

	shared := NewNATSBusFromConn(b.Conn(), DefaultNATSConfig())
	sub, err := shared.Subscribe("fabric.nats-test.shared")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("fabric.nats-test.shared", []byte("x")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "x" {
			t.Errorf("data = %q, want x", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message on shared connection")
	}
}
