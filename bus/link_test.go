package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/transport"
)

func linkEnvelope(t *testing.T, op string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(
		envelope.NewAddress("caller", "node-a"),
		envelope.ToAddress(envelope.NewAddress("math", "node-b")),
		envelope.Frame{Invoke: &envelope.Invoke{Operation: op, Args: json.RawMessage(`{}`)}},
	)
	if err != nil {
		t.Fatalf("envelope.New error: %v", err)
	}
	return env
}

func recvEnvelope(t *testing.T, l transport.Link) envelope.Envelope {
	t.Helper()
	select {
	case env, ok := <-l.Recv():
		if !ok {
			t.Fatal("recv channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return envelope.Envelope{}
}

func TestLink_DialAndAccept(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	cfg := LinkConfig{Prefix: "fabric.s1", Codec: codec.CBOR{}, Logger: logging.Discard()}
	ln, err := Listen(b, cfg)
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer ln.Close()

	node, err := DialLink(b, "node1", cfg)
	if err != nil {
		t.Fatalf("DialLink error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go node.Run(ctx)

	first := linkEnvelope(t, "hello")
	if err := node.Send(first); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if server.ID() != "node1" {
		t.Errorf("server link ID = %q, want node1", server.ID())
	}
	go server.Run(ctx)

	if got := recvEnvelope(t, server); got.ID != first.ID {
		t.Errorf("ID = %q, want %q", got.ID, first.ID)
	}

	reply := linkEnvelope(t, "reply")
	if err := server.Send(reply); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := recvEnvelope(t, node); got.ID != reply.ID {
		t.Errorf("ID = %q, want %q", got.ID, reply.ID)
	}
}

func TestLink_SeparateNodes(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	cfg := LinkConfig{Logger: logging.Discard()}
	ln, err := Listen(b, cfg)
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _ := DialLink(b, "a", cfg)
	c, _ := DialLink(b, "c", cfg)
	go a.Run(ctx)
	go c.Run(ctx)

	a.Send(linkEnvelope(t, "from-a"))
	la, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	c.Send(linkEnvelope(t, "from-c"))
	lc, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	go la.Run(ctx)
	go lc.Run(ctx)

	if la.ID() != "a" || lc.ID() != "c" {
		t.Fatalf("ids = %q, %q", la.ID(), lc.ID())
	}
	if got := recvEnvelope(t, lc); got.Frame.Invoke.Operation != "from-c" {
		t.Errorf("op = %q, want from-c", got.Frame.Invoke.Operation)
	}

	lc.Send(linkEnvelope(t, "to-c"))
	if got := recvEnvelope(t, c); got.Frame.Invoke.Operation != "to-c" {
		t.Errorf("op = %q, want to-c", got.Frame.Invoke.Operation)
	}
	select {
	case env := <-a.Recv():
		t.Errorf("node a received %q meant for c", env.Frame.Invoke.Operation)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLink_ReacceptAfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	cfg := LinkConfig{Logger: logging.Discard()}
	ln, _ := Listen(b, cfg)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node, _ := DialLink(b, "n", cfg)
	node.Send(linkEnvelope(t, "one"))
	first, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	first.Close()

	node.Send(linkEnvelope(t, "two"))
	second, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("second Accept error: %v", err)
	}
	if second == first {
		t.Error("expected a fresh link after close")
	}
}

func TestLink_InvalidNodeID(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	for _, id := range []string{"", "a.b", "a*", "x>"} {
		if _, err := DialLink(b, id, LinkConfig{}); !errors.Is(err, ErrInvalidSubject) {
			t.Errorf("DialLink(%q) error = %v, want ErrInvalidSubject", id, err)
		}
	}
}

func TestLink_SendAfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	node, _ := DialLink(b, "n", LinkConfig{Logger: logging.Discard()})
	node.Close()
	if err := node.Send(linkEnvelope(t, "x")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send error = %v, want transport.ErrClosed", err)
	}
}

func TestListener_AcceptAfterClose(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	ln, _ := Listen(b, LinkConfig{})
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Accept error = %v, want transport.ErrClosed", err)
	}
}
