package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/envelope"
)

// --- Unit Tests ---

func TestSenderConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Bus: b, NodeID: "node-1"}, false},
		{"missing bus", SenderConfig{NodeID: "node-1"}, true},
		{"missing node", SenderConfig{Bus: b}, true},
		{"dotted node", SenderConfig{Bus: b, NodeID: "a.b"}, true},
		{"wildcard node", SenderConfig{Bus: b, NodeID: "*"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitorConfig_Validate(t *testing.T) {
	cfg := MonitorConfig{}
	if err := cfg.Validate(); err != ErrInvalidConfig {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}
	def := DefaultMonitorConfig()
	if def.Timeout != 15*time.Second || def.CheckInterval != time.Second {
		t.Errorf("defaults = %v/%v", def.Timeout, def.CheckInterval)
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	hb := &Heartbeat{
		NodeID:    "node-1",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Status:    StatusServing,
		Agents:    []envelope.Address{"math@node-1"},
		Pending:   2,
	}
	if hb.Subject() != "fabric.heartbeat.node-1" {
		t.Errorf("Subject = %q", hb.Subject())
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.NodeID != hb.NodeID || got.Pending != 2 || len(got.Agents) != 1 || !got.Timestamp.Equal(hb.Timestamp) {
		t.Errorf("got %+v", got)
	}
}

// --- Integration Tests ---

func TestSender_PublishesState(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe(SubjectPrefix + "node-1")
	defer sub.Unsubscribe()

	s, err := NewSender(SenderConfig{
		Bus:      b,
		NodeID:   "node-1",
		Interval: 20 * time.Millisecond,
		Pending:  func() int { return 3 },
	})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	s.SetAgents([]envelope.Address{"math@node-1", "echo@node-1"})
	s.SetStatus(StatusDraining)
	s.SetMetadata("version", "1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}

	var beats int
	timeout := time.After(time.Second)
	for beats < 2 {
		select {
		case msg := <-sub.Messages():
			hb, err := Unmarshal(msg.Data)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if hb.Status != StatusDraining || hb.Pending != 3 || len(hb.Agents) != 2 || hb.Metadata["version"] != "1" {
				t.Errorf("heartbeat = %+v", hb)
			}
			beats++
		case <-timeout:
			t.Fatalf("got %d heartbeats, want at least 2", beats)
		}
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("second Stop error = %v, want ErrNotStarted", err)
	}
}

func TestMonitor_TracksNodes(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	m, err := NewMonitor(MonitorConfig{Bus: b, Timeout: time.Second, CheckInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()
	watch := m.Watch()

	alive := make(chan string, 4)
	m.OnAlive(func(hb *Heartbeat) { alive <- hb.NodeID })

	s, _ := NewSender(SenderConfig{Bus: b, NodeID: "node-1"})
	if err := s.Beat(); err != nil {
		t.Fatalf("Beat error: %v", err)
	}
	s.Beat()

	select {
	case hb := <-watch:
		if hb.NodeID != "node-1" {
			t.Errorf("NodeID = %q", hb.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}
	select {
	case id := <-alive:
		if id != "node-1" {
			t.Errorf("alive = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("alive callback not called")
	}
	// Drain the second watch event, then make sure alive fired once.
	<-watch
	select {
	case id := <-alive:
		t.Errorf("unexpected second alive callback for %q", id)
	default:
	}

	if !m.IsAlive("node-1") {
		t.Error("expected node-1 alive")
	}
	if m.IsAlive("node-2") {
		t.Error("expected node-2 unknown")
	}
	if got := m.Nodes(); len(got) != 1 || got[0] != "node-1" {
		t.Errorf("Nodes = %v", got)
	}
	if m.LastHeartbeat("node-1") == nil {
		t.Error("expected last heartbeat")
	}

	m.Forget("node-1")
	if m.LastHeartbeat("node-1") != nil || m.IsAlive("node-1") {
		t.Error("expected node-1 forgotten")
	}
}

func TestMonitor_DeadOnceThenRevives(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	m, _ := NewMonitor(MonitorConfig{Bus: b, Timeout: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	var mu sync.Mutex
	var dead []string
	m.OnDead(func(id string) {
		mu.Lock()
		dead = append(dead, id)
		mu.Unlock()
	})
	revived := make(chan string, 4)
	m.Start()
	defer m.Stop()

	s, _ := NewSender(SenderConfig{Bus: b, NodeID: "node-1"})
	s.Beat()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	if len(dead) != 1 || dead[0] != "node-1" {
		t.Errorf("dead = %v, want [node-1] exactly once", dead)
	}
	mu.Unlock()
	if m.IsAlive("node-1") {
		t.Error("expected node-1 presumed dead")
	}

	m.OnAlive(func(hb *Heartbeat) { revived <- hb.NodeID })
	s.Beat()
	select {
	case id := <-revived:
		if id != "node-1" {
			t.Errorf("revived = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected alive callback after revival")
	}
}

func TestMonitor_CheckDeadUsesReceiveTime(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	m, _ := NewMonitor(MonitorConfig{Bus: b, Timeout: time.Minute})
	var dead []string
	m.OnDead(func(id string) { dead = append(dead, id) })

	// A heartbeat stamped long ago by a skewed clock still counts as fresh.
	hb := &Heartbeat{NodeID: "skewed", Timestamp: time.Now().Add(-time.Hour)}
	data, _ := hb.Marshal()
	m.process(&bus.Message{Subject: hb.Subject(), Data: data})

	m.checkDead(time.Now())
	if len(dead) != 0 {
		t.Errorf("dead = %v, want none", dead)
	}
	m.checkDead(time.Now().Add(2 * time.Minute))
	if len(dead) != 1 {
		t.Errorf("dead = %v, want [skewed]", dead)
	}
}

func TestMonitor_DeadCallbackMayRegister(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	m, _ := NewMonitor(MonitorConfig{Bus: b, Timeout: time.Minute})
	var calls []string
	m.OnDead(func(id string) {
		calls = append(calls, "first:"+id)
		m.OnDead(func(id string) { calls = append(calls, "late:"+id) })
	})

	for _, id := range []string{"n2", "n1"} {
		hb := &Heartbeat{NodeID: id, Timestamp: time.Now()}
		data, _ := hb.Marshal()
		m.process(&bus.Message{Subject: hb.Subject(), Data: data})
	}

	m.checkDead(time.Now().Add(2 * time.Minute))
	want := []string{"first:n1", "first:n2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestMonitor_StopTwice(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	m, _ := NewMonitor(MonitorConfig{Bus: b})
	if err := m.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start error = %v, want ErrNotStarted", err)
	}
	m.Start()
	watch := m.Watch()
	if err := m.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if _, ok := <-watch; ok {
		t.Error("expected watch channel closed")
	}
}
