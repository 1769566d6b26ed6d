// Package telemetry traces envelopes with OpenTelemetry and journals fabric
// events to a file, an HTTP collector or the message bus.
package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
)

// Journal event names.
const (
	EventForwarded    = "envelope.forwarded"
	EventDropped      = "envelope.dropped"
	EventLinkAttached = "link.attached"
	EventLinkClosed   = "link.closed"
	EventRouteChanged = "route.changed"
)

// DefaultJournalSubject is where a bus journal publishes when no subject is
// configured.
const DefaultJournalSubject = "fabric.journal"

// Exporter records journal events.
type Exporter interface {
	LogEvent(name string, data map[string]interface{})
	// Flush sends buffered events. Events that fail to send are kept for
	// the next flush.
	Flush() error
	Close() error
}

// Publisher is the slice of a message bus a journal needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is one journal record.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func newEvent(name string, data map[string]interface{}) Event {
	return Event{Name: name, Timestamp: time.Now().UTC(), Data: data}
}

// EnvelopeData summarizes env for a journal record. Payloads are never
// included; extra keys are merged in.
func EnvelopeData(env envelope.Envelope, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"envelope_id": env.ID,
		"frame":       string(env.Frame.Kind()),
		"source":      env.Source.String(),
		"to":          env.To.String(),
		"ttl":         env.TTL,
	}
	if env.TraceID != "" {
		data["trace_id"] = env.TraceID
	}
	maps.Copy(data, extra)
	return data
}

// NewExporter opens the journal named by protocol. endpoint is a URL for
// "http", a path for "file" and a subject for "bus"; pub is only used by
// "bus".
func NewExporter(protocol, endpoint string, pub Publisher) (Exporter, error) {
	switch protocol {
	case "", "noop":
		return NewNoopExporter(), nil
	case "file":
		e, err := NewFileExporter(endpoint)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http journal requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "bus":
		if pub == nil {
			return nil, fmt.Errorf("bus journal requires a message bus")
		}
		return NewBusExporter(pub, endpoint), nil
	default:
		return nil, fmt.Errorf("unknown journal protocol: %s", protocol)
	}
}

const journalBatch = 100

// batcher buffers events and ships them in batches through send. A full
// batch is shipped in the background.
type batcher struct {
	send func([]Event) error

	mu  sync.Mutex
	buf []Event
}

func (b *batcher) LogEvent(name string, data map[string]interface{}) {
	b.mu.Lock()
	b.buf = append(b.buf, newEvent(name, data))
	full := len(b.buf) >= journalBatch
	b.mu.Unlock()
	if full {
		go b.Flush()
	}
}

func (b *batcher) Flush() error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := b.send(batch); err != nil {
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of events not yet shipped.
func (b *batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *batcher) Close() error {
	return b.Flush()
}

// HTTPExporter posts batches of events as a JSON array.
type HTTPExporter struct {
	batcher
	endpoint string
	client   *http.Client
}

func NewHTTPExporter(endpoint string) *HTTPExporter {
	e := &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	e.send = e.post
	return e
}

func (e *HTTPExporter) post(batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("journal endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// BusExporter publishes each batch as one JSON array message, so any bus
// subscriber can tail a sentinel's journal.
type BusExporter struct {
	batcher
	pub     Publisher
	subject string
}

func NewBusExporter(pub Publisher, subject string) *BusExporter {
	if subject == "" {
		subject = DefaultJournalSubject
	}
	e := &BusExporter{pub: pub, subject: subject}
	e.send = func(batch []Event) error {
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return e.pub.Publish(e.subject, data)
	}
	return e
}

// FileExporter appends events to a file as JSON lines.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file journal requires a path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	return &FileExporter{file: f, w: bufio.NewWriter(f)}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(newEvent(name, data))
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.Write(line)
	e.w.WriteByte('\n')
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Flush(); err != nil {
		return err
	}
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	ferr := e.Flush()
	if err := e.file.Close(); err != nil {
		return err
	}
	return ferr
}

// NoopExporter discards all events.
type NoopExporter struct{}

func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

func (NoopExporter) LogEvent(string, map[string]interface{}) {}
func (NoopExporter) Flush() error                            { return nil }
func (NoopExporter) Close() error                            { return nil }
