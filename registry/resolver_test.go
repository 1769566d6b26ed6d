package registry

import (
	"testing"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
)

func mathTable(t *testing.T) *MemoryRegistry {
	t.Helper()
	r := NewMemoryRegistry(MemoryConfig{})
	t.Cleanup(func() { r.Close() })
	r.Register(local("math-b@n", "math", envelope.CapabilityAgent))
	r.Register(local("math-a@n", "math", envelope.CapabilityAgent))
	r.Register(viaLink("math-a@n", "peer-1", 1, "math"))
	r.Register(local("echo@n", envelope.CapabilityAgent))
	return r
}

func TestResolver_Direct(t *testing.T) {
	res := NewResolver(mathTable(t))

	got, err := res.Resolve(envelope.ToAddress("math-a@n"))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(got) != 1 || got[0].Target.Kind != TargetLocal {
		t.Errorf("Resolve = %+v, want single local target", got)
	}

	_, err = res.Resolve(envelope.ToAddress("ghost@n"))
	if !ferrors.Is(err, ferrors.ErrCodeUnknownAddress) {
		t.Errorf("error = %v, want UNKNOWN_ADDRESS", err)
	}
}

func TestResolver_CapabilitiesSuperset(t *testing.T) {
	res := NewResolver(mathTable(t))

	got, err := res.Resolve(envelope.ToCapabilities("math"))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Resolve len = %d, want 2 (one per address)", len(got))
	}
	if got[0].Address != "math-a@n" || got[1].Address != "math-b@n" {
		t.Errorf("order = %v, %v", got[0].Address, got[1].Address)
	}
	if got[0].Target.Kind != TargetLocal {
		t.Error("best route per address should be local")
	}

	_, err = res.Resolve(envelope.ToCapabilities("math", "image"))
	if !ferrors.Is(err, ferrors.ErrCodeNoCapableAgent) {
		t.Errorf("error = %v, want NO_CAPABLE_AGENT", err)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	res := NewResolver(mathTable(t))
	dest := envelope.ToCapabilities("math")

	first, err := res.Select(dest)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, _ := res.Select(dest)
		if got.Address != first.Address {
			t.Fatalf("Select changed from %q to %q", first.Address, got.Address)
		}
	}
}

func TestResolver_RoundRobin(t *testing.T) {
	reg := mathTable(t)
	res := NewResolver(reg, WithPolicy(SelectRoundRobin))
	dest := envelope.ToCapabilities("math")

	var seq []envelope.Address
	for i := 0; i < 4; i++ {
		m, err := res.Select(dest)
		if err != nil {
			t.Fatalf("Select error: %v", err)
		}
		seq = append(seq, m.Address)
	}
	want := []envelope.Address{"math-a@n", "math-b@n", "math-a@n", "math-b@n"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", seq, want)
		}
	}

	// A new match restarts the rotation.
	reg.Register(local("math-c@n", "math"))
	m, _ := res.Select(dest)
	if m.Address != "math-a@n" {
		t.Errorf("after change Select = %q, want math-a@n", m.Address)
	}
}

func TestResolver_Broadcast(t *testing.T) {
	res := NewResolver(mathTable(t))
	results := res.ResolveBroadcast([]envelope.Address{"echo@n", "ghost@n", "math-b@n"})

	if len(results) != 3 {
		t.Fatalf("len = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("unexpected member errors: %v, %v", results[0].Err, results[2].Err)
	}
	if !ferrors.Is(results[1].Err, ferrors.ErrCodeUnknownAddress) {
		t.Errorf("ghost error = %v, want UNKNOWN_ADDRESS", results[1].Err)
	}

	matches, err := res.Resolve(envelope.ToBroadcast("echo@n", "ghost@n", "math-b@n"))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(matches) != 2 || matches[0].Address != "echo@n" || matches[1].Address != "math-b@n" {
		t.Errorf("broadcast matches = %+v", matches)
	}

	if _, err := res.Select(envelope.ToBroadcast("echo@n")); err == nil {
		t.Error("Select on broadcast should fail")
	}
}

func TestResolver_Fallback(t *testing.T) {
	upstream := Target{Kind: TargetLink, ID: "upstream", Hops: 1}
	res := NewResolver(mathTable(t), WithFallback(func(envelope.Destination) (Target, bool) {
		return upstream, true
	}))

	m, err := res.Select(envelope.ToAddress("remote@elsewhere"))
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if !m.Fallback || m.Target != upstream {
		t.Errorf("Select = %+v, want fallback to upstream", m)
	}

	m, err = res.Select(envelope.ToCapabilities("image"))
	if err != nil || !m.Fallback {
		t.Errorf("capability fallback = %+v, %v", m, err)
	}

	m, _ = res.Select(envelope.ToAddress("echo@n"))
	if m.Fallback {
		t.Error("local match should not use fallback")
	}
}
