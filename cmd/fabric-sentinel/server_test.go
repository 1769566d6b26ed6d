package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentfabric/config"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/fabric"
	"github.com/vinayprograms/agentfabric/logging"
)

const testConfig = `
[node]
id = "s-test"

[[listeners]]
type = "websocket"
address = "127.0.0.1:0"

[[listeners]]
type = "tcp"
address = "127.0.0.1:0"

[logging]
level = "error"
`

func startServer(t *testing.T) *server {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig), config.FormatTOML)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	srv, err := newServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newServer error: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	if err := srv.start(); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if n := len(srv.Addrs()); n != 2 {
		t.Fatalf("expected 2 bound addresses, got %d", n)
	}
	return srv
}

type echo struct{}

func (echo) Operations() fabric.Operations {
	return fabric.Operations{
		"echo": fabric.Unary(func(_ context.Context, s string) (string, error) {
			return s, nil
		}),
	}
}

func TestServerRoutesNodes(t *testing.T) {
	srv := startServer(t)
	wsURL := "ws://" + srv.Addrs()[0].String() + "/"
	tcpURL := "tcp://" + srv.Addrs()[1].String()

	node, err := fabric.New(
		fabric.WithNodeID("n1"),
		fabric.WithUpstreamURL(wsURL),
		fabric.WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer node.Close()
	if _, err := node.Serve(context.Background(), echo{}, fabric.ServeOptions{
		Address:      "echo@n1",
		Capabilities: []envelope.Capability{"echo"},
	}); err != nil {
		t.Fatalf("Serve error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The route is announced asynchronously.
	var routes []envelope.Route
	for {
		routes, err = fetchRoutes(ctx, tcpURL)
		if err != nil {
			t.Fatalf("fetchRoutes error: %v", err)
		}
		if hasRoute(routes, "echo@n1") {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("echo@n1 never appeared in %v", routes)
		case <-time.After(20 * time.Millisecond):
		}
	}

	client, err := fabric.New(
		fabric.WithNodeID("c1"),
		fabric.WithUpstreamURL(tcpURL),
		fabric.WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer client.Close()
	if client.Sentinel() != "s-test" {
		t.Errorf("expected sentinel s-test, got %q", client.Sentinel())
	}

	var got string
	proxy := client.RemoteByCapabilities([]envelope.Capability{"echo"})
	if err := proxy.CallInto(ctx, "echo", "hi", &got); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if got != "hi" {
		t.Errorf("expected hi, got %q", got)
	}

	var buf bytes.Buffer
	printRoutes(&buf, routes)
	if !strings.Contains(buf.String(), "echo@n1") || !strings.Contains(buf.String(), "HOPS") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func hasRoute(routes []envelope.Route, addr envelope.Address) bool {
	for _, r := range routes {
		if r.Address == addr {
			return true
		}
	}
	return false
}

func TestServerShutdownClosesListeners(t *testing.T) {
	srv := startServer(t)
	tcpURL := "tcp://" + srv.Addrs()[1].String()

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := fetchRoutes(ctx, tcpURL); err == nil {
		t.Error("expected attaching after shutdown to fail")
	}
}

func TestNewServerRejectsNodeRole(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Role = config.RoleNode
	if _, err := newServer(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a node config")
	}
}

func TestNewServerReportsBadJournal(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Journal = config.JournalConfig{
		Protocol: "file",
		Endpoint: filepath.Join(t.TempDir(), "missing", "journal.jsonl"),
	}
	_, err := newServer(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "open journal") {
		t.Fatalf("expected an open journal error, got %v", err)
	}
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check", "--config", path})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	}()
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("check error: %v", err)
	}
	for _, want := range []string{"listener tcp 127.0.0.1:0", "config ok"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}
