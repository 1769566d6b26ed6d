package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	ferrors "github.com/vinayprograms/agentfabric/errors"
)

func invokeFrame(op string) Frame {
	return Frame{Invoke: &Invoke{Operation: op, Args: json.RawMessage(`{"x":1}`)}}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("math@fame.fabric")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	if a.Name() != "math" || a.Location() != "fame.fabric" {
		t.Errorf("Name/Location = %q/%q", a.Name(), a.Location())
	}
	for _, bad := range []string{"", "math", "@x", "x@", "a b@c"} {
		if _, err := ParseAddress(bad); !errors.Is(err, ErrBadAddress) {
			t.Errorf("ParseAddress(%q) error = %v, want ErrBadAddress", bad, err)
		}
	}
}

func TestDestinationKind(t *testing.T) {
	tests := []struct {
		dest Destination
		want DestinationKind
	}{
		{ToAddress("a@n"), DestAddress},
		{ToCapabilities("math"), DestCapabilities},
		{ToBroadcast("a@n", "b@n"), DestBroadcast},
		{Destination{}, ""},
		{Destination{Address: "a@n", Capabilities: []Capability{"x"}}, ""},
	}
	for _, tt := range tests {
		if got := tt.dest.Kind(); got != tt.want {
			t.Errorf("Kind(%+v) = %q, want %q", tt.dest, got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("c@n", Destination{}, invokeFrame("x")); !errors.Is(err, ErrNoDestination) {
		t.Errorf("empty destination error = %v", err)
	}
	if _, err := New("c@n", ToAddress("a@n"), Frame{}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("empty frame error = %v", err)
	}
	two := Frame{Invoke: &Invoke{}, Message: &Message{}}
	if _, err := New("c@n", ToAddress("a@n"), two); !errors.Is(err, ErrBadFrame) {
		t.Errorf("double frame error = %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	tests := []struct {
		frame   Frame
		wantAck bool
	}{
		{invokeFrame("add"), true},
		{Frame{Message: &Message{Payload: json.RawMessage(`"hi"`)}}, true},
		{Frame{Ack: &DeliveryAck{RefID: "x", OK: true}}, false},
		{Frame{Event: &Event{TaskID: "t"}}, false},
		{Frame{Result: &Result{}}, false},
		{Frame{StreamEnd: &StreamEnd{}}, false},
	}
	for _, tt := range tests {
		e, err := New("c@n", ToAddress("a@n"), tt.frame)
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if e.RequiresAck != tt.wantAck {
			t.Errorf("%s RequiresAck = %v, want %v", tt.frame.Kind(), e.RequiresAck, tt.wantAck)
		}
		if e.ID == "" || e.CorrelationID != e.ID {
			t.Errorf("ID/CorrelationID = %q/%q", e.ID, e.CorrelationID)
		}
		if e.TTL != DefaultTTL {
			t.Errorf("TTL = %d, want %d", e.TTL, DefaultTTL)
		}
	}

	e := MustNew("c@n", ToAddress("a@n"), invokeFrame("x"), WithAck(false), WithTTL(2), WithCorrelation("k"))
	if e.RequiresAck || e.TTL != 2 || e.CorrelationID != "k" {
		t.Errorf("options not applied: %+v", e)
	}
}

func TestHopDoesNotMutate(t *testing.T) {
	e := MustNew("c@n", ToAddress("a@n"), invokeFrame("x"), WithTTL(1))
	next, ok := e.Hop()
	if !ok || next.TTL != 0 {
		t.Fatalf("Hop = %d/%v", next.TTL, ok)
	}
	if e.TTL != 1 {
		t.Error("Hop mutated the receiver")
	}
	if next.ID != e.ID {
		t.Error("Hop must keep the envelope id")
	}
	if _, ok := next.Hop(); ok {
		t.Error("Hop past zero should fail")
	}
}

func TestSplit(t *testing.T) {
	e := MustNew("c@n", ToBroadcast("a@n", "b@n", "c@m"), invokeFrame("x"))
	parts := e.Split()
	if len(parts) != 3 {
		t.Fatalf("Split len = %d, want 3", len(parts))
	}
	for i, want := range []Address{"a@n", "b@n", "c@m"} {
		if parts[i].To.Address != want {
			t.Errorf("part %d to = %q, want %q", i, parts[i].To.Address, want)
		}
		if parts[i].CorrelationID != e.CorrelationID {
			t.Errorf("part %d lost correlation id", i)
		}
	}
	if parts[0].DedupKey() == parts[1].DedupKey() {
		t.Error("dedup keys of different members must differ")
	}
	if e.To.Kind() != DestBroadcast {
		t.Error("Split mutated the receiver")
	}

	direct := MustNew("c@n", ToAddress("a@n"), invokeFrame("x"))
	if got := direct.Split(); len(got) != 1 || got[0].ID != direct.ID {
		t.Errorf("Split of direct envelope = %+v", got)
	}
}

func TestReplyAndAck(t *testing.T) {
	req := MustNew("caller@n", ToCapabilities("math"), invokeFrame("add"), WithTrace("tr"))
	ack, err := req.Ack("math@n", nil)
	if err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	if ack.To.Address != "caller@n" || ack.Frame.Ack.RefID != req.ID || !ack.Frame.Ack.OK {
		t.Errorf("ack = %+v", ack)
	}
	if ack.RequiresAck {
		t.Error("acks must not require acks")
	}
	if ack.TraceID != "tr" || ack.CorrelationID != req.CorrelationID {
		t.Error("ack should carry trace and correlation ids")
	}

	nack, _ := req.Ack("sentinel@s", FaultFrom(ferrors.UnknownAddress("x@y")))
	if nack.Frame.Ack.OK {
		t.Error("ack with fault must be negative")
	}
	if !ferrors.Is(nack.Frame.Ack.Fault.Err(), ferrors.ErrCodeUnknownAddress) {
		t.Errorf("nack fault = %+v", nack.Frame.Ack.Fault)
	}
}

func TestFaultConversion(t *testing.T) {
	if FaultFrom(nil) != nil {
		t.Error("FaultFrom(nil) should be nil")
	}
	if (*Fault)(nil).Err() != nil {
		t.Error("nil fault should give nil error")
	}
	f := FaultFrom(fmt.Errorf("plain"))
	if f.Code != string(ferrors.ErrCodeInternal) {
		t.Errorf("plain error code = %q", f.Code)
	}
	h := FaultFrom(ferrors.Handler("div", fmt.Errorf("divide by zero"), ferrors.WithTaskID("t1")))
	err := h.Err()
	fe := ferrors.AsFabricError(err)
	if fe == nil || fe.Code() != ferrors.ErrCodeHandlerError {
		t.Fatalf("round trip = %v", err)
	}
	if e := err.(*ferrors.Error); e.Operation() != "div" || e.TaskID() != "t1" {
		t.Errorf("correlation lost: %+v", e)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := MustNew("c@n", ToCapabilities("math", "fast"), invokeFrame("add"))
	data, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.ID != e.ID || got.Frame.Invoke.Operation != "add" || len(got.To.Capabilities) != 2 {
		t.Errorf("round trip = %+v", got)
	}
	if _, err := Unmarshal([]byte(`{"id":"x","to":{},"frame":{}}`)); err == nil {
		t.Error("Unmarshal should reject invalid envelope")
	}
}

func TestNewControl(t *testing.T) {
	e := NewControl("sentinel@s1", Control{Kind: ControlHello, NodeID: "s1", Role: RoleSentinel})
	if e.To.Address != LinkPeer {
		t.Errorf("To = %v, want %v", e.To, LinkPeer)
	}
	if e.RequiresAck {
		t.Error("control frames must not require ack")
	}
	if _, ok := e.Hop(); ok {
		t.Error("control envelope should have no hop budget")
	}
}
