package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/envelope"
)

func testEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(
		envelope.NewAddress("client", "node-1"),
		envelope.ToAddress(envelope.NewAddress("calc", "node-2")),
		envelope.Frame{Invoke: &envelope.Invoke{Operation: "add", Args: json.RawMessage(`{"a":3,"b":4}`)}},
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return env
}

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	defer exp.Close()

	env := testEnvelope(t)
	exp.LogEvent(EventForwarded, EnvelopeData(env, map[string]interface{}{"link": "l1"}))
	exp.LogEvent(EventLinkClosed, map[string]interface{}{"link": "l1"})
	exp.Flush()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != EventForwarded {
		t.Errorf("name = %q, want %q", events[0].Name, EventForwarded)
	}
	if events[0].Data["envelope_id"] != env.ID {
		t.Errorf("envelope_id = %v, want %s", events[0].Data["envelope_id"], env.ID)
	}
	if events[0].Data["frame"] != "invoke" {
		t.Errorf("frame = %v", events[0].Data["frame"])
	}
	if events[0].Data["link"] != "l1" {
		t.Errorf("extra key missing: %v", events[0].Data)
	}
	if _, ok := events[0].Data["args"]; ok {
		t.Error("payload must not be journaled")
	}
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent(EventLinkAttached, map[string]interface{}{"link": "a"})
	exp.LogEvent(EventLinkClosed, map[string]interface{}{"link": "a"})
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
}

func TestHTTPExporterRetainsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent(EventDropped, map[string]interface{}{"envelope_id": "e1"})
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error from failing endpoint")
	}
	if n := exp.Pending(); n != 1 {
		t.Errorf("buffer = %d events, want 1 retained", n)
	}
}

func TestBusExporter(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	sub, err := b.Subscribe(DefaultJournalSubject)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	exp := NewBusExporter(b, "")
	exp.LogEvent(EventRouteChanged, map[string]interface{}{"address": "calc@n1"})
	exp.LogEvent(EventLinkClosed, map[string]interface{}{"link": "n1"})
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	select {
	case msg := <-sub.Messages():
		var batch []Event
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if len(batch) != 2 || batch[0].Name != EventRouteChanged || batch[0].Data["address"] != "calc@n1" {
			t.Errorf("batch = %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("no journal message on the bus")
	}
	if exp.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", exp.Pending())
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		endpoint string
		wantErr  bool
	}{
		{"noop", "", false},
		{"", "", false},
		{"file", "", true},
		{"file", "/nonexistent-dir/journal.jsonl", true},
		{"http", "", true},
		{"http", "http://localhost:1", false},
		{"bus", "", true},
		{"bus", "fabric.events", false},
		{"unknown", "", true},
	}
	pub := bus.NewMemoryBus(bus.DefaultConfig())
	defer pub.Close()

	for _, tt := range tests {
		t.Run(tt.protocol+tt.endpoint, func(t *testing.T) {
			var p Publisher
			if tt.endpoint == "fabric.events" {
				p = pub
			}
			exp, err := NewExporter(tt.protocol, tt.endpoint, p)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && exp != nil {
				t.Errorf("NewExporter() = %T with error, want a nil Exporter", exp)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

func TestContextWithEnvelope(t *testing.T) {
	env := testEnvelope(t)
	env.TraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	ctx := ContextWithEnvelope(context.Background(), env)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsRemote() {
		t.Fatalf("span context = %+v, want valid remote", sc)
	}
	if got := TraceID(ctx); got != env.TraceID {
		t.Errorf("TraceID = %q, want %q", got, env.TraceID)
	}

	// Same envelope on another hop gets the same parent.
	again := trace.SpanContextFromContext(ContextWithEnvelope(context.Background(), env))
	if again.SpanID() != sc.SpanID() {
		t.Error("parent span id differs between hops")
	}
}

func TestContextWithEnvelopeIgnoresBadTraceID(t *testing.T) {
	env := testEnvelope(t)
	env.TraceID = "not-a-trace"
	ctx := ContextWithEnvelope(context.Background(), env)
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected no span context for invalid trace id")
	}
	if TraceID(ctx) != "" {
		t.Error("expected empty trace id")
	}
}

func TestNoopTracerSpans(t *testing.T) {
	tr := GetTracer()
	env := testEnvelope(t)

	ctx, span := tr.StartSendSpan(context.Background(), &env)
	tr.EndSpan(span, nil)
	_, span = tr.StartForwardSpan(ctx, env, "link-1")
	tr.EndSpan(span, nil)
	_, span = tr.StartHandleSpan(ctx, env)
	tr.EndSpan(span, io.EOF)

	// The noop provider produces no trace ids, so none is assigned.
	if env.TraceID != "" {
		t.Errorf("TraceID = %q, want empty", env.TraceID)
	}
}

func TestNewSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2} {
		if d := newSampler(ratio).Description(); d != "AlwaysOnSampler" {
			t.Errorf("newSampler(%v) = %s, want AlwaysOnSampler", ratio, d)
		}
	}
	if d := newSampler(0.25).Description(); !strings.Contains(d, "TraceIDRatioBased") || !strings.HasPrefix(d, "ParentBased") {
		t.Errorf("newSampler(0.25) = %s, want parent-based ratio sampler", d)
	}
}

func TestNewResourceCarriesNodeIdentity(t *testing.T) {
	res, err := newResource("fabric-test", ProviderConfig{NodeID: "s1", Role: "sentinel"})
	if err != nil {
		t.Fatalf("newResource error: %v", err)
	}
	if v, ok := res.Set().Value(AttrNodeID); !ok || v.AsString() != "s1" {
		t.Errorf("node id = %v, want s1", v.AsString())
	}
	if v, ok := res.Set().Value(AttrNodeRole); !ok || v.AsString() != "sentinel" {
		t.Errorf("node role = %v, want sentinel", v.AsString())
	}
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected an error without an endpoint")
	}
	if _, err := newSpanExporter(context.Background(), "localhost:4317", ProviderConfig{Protocol: "kafka"}); err == nil {
		t.Error("expected an error for an unknown protocol")
	}
}
