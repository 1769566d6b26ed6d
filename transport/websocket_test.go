package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/logging"
)

// --- Unit Tests ---

func TestWebSocketConfig_Defaults(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	if cfg.MaxMessageSize != 1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 1MB", cfg.MaxMessageSize)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.Codec.Name() != "json" {
		t.Errorf("Codec = %q, want json", cfg.Codec.Name())
	}
}

// --- Integration Tests ---

func wsServer(t *testing.T, cfg WebSocketConfig) (*httptest.Server, <-chan *WebSocketLink) {
	t.Helper()
	links := make(chan *WebSocketLink, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		link, err := Accept(w, r, cfg)
		if err != nil {
			t.Errorf("Accept error: %v", err)
			return
		}
		links <- link
	}))
	return server, links
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketLink_RoundTrip(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.Logger = logging.Discard()
	server, links := wsServer(t, cfg)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL(server), cfg)
	if err != nil {
		t.Fatalf("DialWebSocket error: %v", err)
	}
	serverLink := <-links

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); client.Run(ctx) }()
	go func() { defer wg.Done(); serverLink.Run(ctx) }()

	sent := testEnvelope(t, "add")
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	got := recvOne(t, serverLink)
	if got.ID != sent.ID || got.Frame.Invoke.Operation != "add" {
		t.Errorf("got %+v", got)
	}

	if err := serverLink.Send(testEnvelope(t, "reply")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := recvOne(t, client); got.Frame.Invoke.Operation != "reply" {
		t.Errorf("op = %q, want reply", got.Frame.Invoke.Operation)
	}

	cancel()
	wg.Wait()
}

func TestWebSocketLink_BinaryCodec(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.Codec = codec.NewZstd(codec.CBOR{})
	cfg.Logger = logging.Discard()
	server, links := wsServer(t, cfg)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Raw client so the message type can be inspected.
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	serverLink := <-links
	go serverLink.Run(ctx)

	sent := testEnvelope(t, "compressed")
	if err := serverLink.Send(sent); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", msgType)
	}
	got, err := cfg.Codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.ID != sent.ID {
		t.Errorf("ID = %q, want %q", got.ID, sent.ID)
	}
}

func TestWebSocketLink_DropsUndecodable(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.Logger = logging.Discard()
	server, links := wsServer(t, cfg)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	serverLink := <-links
	go serverLink.Run(ctx)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"garbage":true}`))
	good, _ := codec.JSON{}.Encode(testEnvelope(t, "good"))
	conn.WriteMessage(websocket.TextMessage, good)

	if got := recvOne(t, serverLink); got.Frame.Invoke.Operation != "good" {
		t.Errorf("op = %q, want good", got.Frame.Invoke.Operation)
	}
}

func TestWebSocketLink_PeerCloseEndsRun(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.Logger = logging.Discard()
	server, links := wsServer(t, cfg)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	serverLink := <-links

	errc := make(chan error, 1)
	go func() { errc <- serverLink.Run(context.Background()) }()

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after peer close")
	}

	if err := serverLink.Send(testEnvelope(t, "late")); err != ErrClosed {
		t.Errorf("Send after close error = %v, want ErrClosed", err)
	}
}
