package transport

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/logging"
)

func startStreamPair(t *testing.T, c codec.Codec) (*StreamLink, *StreamLink, func()) {
	t.Helper()
	ca, cb := net.Pipe()
	cfg := Config{Codec: c, Logger: logging.Discard()}
	cfg.ID = "left"
	left := NewStreamLink(ca, cfg)
	cfg.ID = "right"
	right := NewStreamLink(cb, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); left.Run(ctx) }()
	go func() { defer wg.Done(); right.Run(ctx) }()

	return left, right, func() {
		cancel()
		wg.Wait()
	}
}

func TestStreamLink_RoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.CBOR{}, codec.NewZstd(codec.CBOR{})} {
		t.Run(c.Name(), func(t *testing.T) {
			left, right, stop := startStreamPair(t, c)
			defer stop()

			sent := testEnvelope(t, "add")
			if err := left.Send(sent); err != nil {
				t.Fatalf("Send error: %v", err)
			}
			got := recvOne(t, right)
			if got.ID != sent.ID {
				t.Errorf("ID = %q, want %q", got.ID, sent.ID)
			}
			if got.Frame.Invoke == nil || got.Frame.Invoke.Operation != "add" {
				t.Errorf("frame = %+v", got.Frame)
			}

			if err := right.Send(testEnvelope(t, "reply")); err != nil {
				t.Fatalf("Send error: %v", err)
			}
			if got := recvOne(t, left); got.Frame.Invoke.Operation != "reply" {
				t.Errorf("op = %q, want reply", got.Frame.Invoke.Operation)
			}
		})
	}
}

func TestStreamLink_Order(t *testing.T) {
	left, right, stop := startStreamPair(t, codec.JSON{})
	defer stop()

	const n = 50
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		env := testEnvelope(t, "op")
		ids[i] = env.ID
		if err := left.Send(env); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		if got := recvOne(t, right); got.ID != ids[i] {
			t.Fatalf("envelope %d ID = %q, want %q", i, got.ID, ids[i])
		}
	}
}

func TestStreamLink_PeerCloseEndsRun(t *testing.T) {
	ca, cb := net.Pipe()
	link := NewStreamLink(ca, Config{Logger: logging.Discard()})

	errc := make(chan error, 1)
	go func() { errc <- link.Run(context.Background()) }()

	cb.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}
	if _, ok := <-link.Recv(); ok {
		t.Error("expected closed recv channel")
	}
}

func TestStreamLink_SkipsUndecodableFrame(t *testing.T) {
	ca, cb := net.Pipe()
	link := NewStreamLink(ca, Config{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	writeFrame := func(data []byte) {
		buf := make([]byte, 4+len(data))
		binary.BigEndian.PutUint32(buf, uint32(len(data)))
		copy(buf[4:], data)
		if _, err := cb.Write(buf); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}

	writeFrame([]byte("not an envelope"))
	good, err := codec.JSON{}.Encode(testEnvelope(t, "good"))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	writeFrame(good)

	if got := recvOne(t, link); got.Frame.Invoke.Operation != "good" {
		t.Errorf("op = %q, want good", got.Frame.Invoke.Operation)
	}
}

func TestStreamLink_OversizedFrameClosesLink(t *testing.T) {
	ca, cb := net.Pipe()
	link := NewStreamLink(ca, Config{MaxMessageSize: 16, Logger: logging.Discard()})

	errc := make(chan error, 1)
	go func() { errc <- link.Run(context.Background()) }()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1024)
	cb.Write(hdr[:])

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after oversized frame")
	}
	cb.Close()
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *StreamLink, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- NewStreamLink(conn, Config{Logger: logging.Discard()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialTCP(ctx, ln.Addr().String(), Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("DialTCP error: %v", err)
	}
	server := <-accepted
	go client.Run(ctx)
	go server.Run(ctx)

	env := testEnvelope(t, "tcp")
	if err := client.Send(env); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := recvOne(t, server); got.ID != env.ID {
		t.Errorf("ID = %q, want %q", got.ID, env.ID)
	}
}
