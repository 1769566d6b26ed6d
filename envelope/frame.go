package envelope

import (
	"encoding/json"
	"errors"

	ferrors "github.com/vinayprograms/agentfabric/errors"
)

// FrameKind names the variant carried by a Frame.
type FrameKind string

const (
	KindInvoke     FrameKind = "invoke"
	KindResult     FrameKind = "result"
	KindStreamItem FrameKind = "stream_item"
	KindStreamEnd  FrameKind = "stream_end"
	KindAck        FrameKind = "ack"
	KindEvent      FrameKind = "event"
	KindMessage    FrameKind = "message"
	KindControl    FrameKind = "control"
)

// DefaultRequiresAck reports whether envelopes of this kind are tracked for
// acknowledgment unless overridden.
func (k FrameKind) DefaultRequiresAck() bool {
	return k == KindInvoke || k == KindMessage
}

// Frame is the payload of an envelope. Exactly one field is set.
type Frame struct {
	Invoke     *Invoke      `json:"invoke,omitempty"`
	Result     *Result      `json:"result,omitempty"`
	StreamItem *StreamItem  `json:"stream_item,omitempty"`
	StreamEnd  *StreamEnd   `json:"stream_end,omitempty"`
	Ack        *DeliveryAck `json:"ack,omitempty"`
	Event      *Event       `json:"event,omitempty"`
	Message    *Message     `json:"message,omitempty"`
	Control    *Control     `json:"control,omitempty"`
}

// Kind returns the variant set on f, or "" when zero or several are set.
func (f Frame) Kind() FrameKind {
	var kinds []FrameKind
	if f.Invoke != nil {
		kinds = append(kinds, KindInvoke)
	}
	if f.Result != nil {
		kinds = append(kinds, KindResult)
	}
	if f.StreamItem != nil {
		kinds = append(kinds, KindStreamItem)
	}
	if f.StreamEnd != nil {
		kinds = append(kinds, KindStreamEnd)
	}
	if f.Ack != nil {
		kinds = append(kinds, KindAck)
	}
	if f.Event != nil {
		kinds = append(kinds, KindEvent)
	}
	if f.Message != nil {
		kinds = append(kinds, KindMessage)
	}
	if f.Control != nil {
		kinds = append(kinds, KindControl)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Invoke requests an operation on the destination agent.
type Invoke struct {
	Operation string          `json:"op"`
	Args      json.RawMessage `json:"args,omitempty"`
	Streaming bool            `json:"streaming,omitempty"`
}

// Result carries the outcome of a unary invoke.
type Result struct {
	Value json.RawMessage `json:"value,omitempty"`
	Fault *Fault          `json:"fault,omitempty"`
}

// StreamItem is one element of a streaming response. Seq starts at 0.
type StreamItem struct {
	Seq   int             `json:"seq"`
	Value json.RawMessage `json:"value"`
}

// StreamEnd terminates a stream. Count is the number of items sent.
type StreamEnd struct {
	Count int    `json:"count"`
	Fault *Fault `json:"fault,omitempty"`
}

// DeliveryAck acknowledges receipt of the envelope RefID. A negative ack
// reports that the envelope could not be routed.
type DeliveryAck struct {
	RefID string `json:"ref_id"`
	OK    bool   `json:"ok"`
	Fault *Fault `json:"fault,omitempty"`
}

// Event is a task status or artifact update.
type Event struct {
	TaskID string          `json:"task_id"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message is a fire-and-forget payload delivered to a message handler.
type Message struct {
	Payload json.RawMessage `json:"payload"`
}

// ControlKind names link control messages.
type ControlKind string

const (
	ControlHello       ControlKind = "hello"
	ControlRouteAdd    ControlKind = "route_add"
	ControlRouteRemove ControlKind = "route_remove"
)

// Role of a link endpoint.
const (
	RoleNode     = "node"
	RoleSentinel = "sentinel"
)

// LinkPeer addresses whoever is at the other end of a link. Control frames
// are sent to it and are never forwarded.
const LinkPeer Address = "peer@link"

// NewControl builds a control envelope for the other end of a link.
func NewControl(src Address, c Control) Envelope {
	return MustNew(src, ToAddress(LinkPeer), Frame{Control: &c}, WithTTL(0))
}

// Route advertises an address (and its capabilities) reachable through the
// sender, Hops links away.
type Route struct {
	Address      Address      `json:"address"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Hops         int          `json:"hops"`
}

// Control is exchanged between nodes and sentinels on a link.
type Control struct {
	Kind   ControlKind `json:"kind"`
	NodeID string      `json:"node_id,omitempty"`
	Role   string      `json:"role,omitempty"`
	Routes []Route     `json:"routes,omitempty"`
}

// Fault is the wire form of a fabric error. It carries correlation context
// but no cause chain.
type Fault struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Address   string `json:"address,omitempty"`
}

// FaultFrom converts err into a Fault. Errors without a fabric code become
// INTERNAL. A nil error yields nil.
func FaultFrom(err error) *Fault {
	if err == nil {
		return nil
	}
	var fe *ferrors.Error
	if !errors.As(err, &fe) {
		return &Fault{Code: string(ferrors.ErrCodeInternal), Message: err.Error()}
	}
	return &Fault{
		Code:      string(fe.Code()),
		Message:   fe.Message(),
		TaskID:    fe.TaskID(),
		Operation: fe.Operation(),
		Address:   fe.Address(),
	}
}

// Err converts the fault back into a typed error. A nil fault yields nil.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	var opts []ferrors.Option
	if f.TaskID != "" {
		opts = append(opts, ferrors.WithTaskID(f.TaskID))
	}
	if f.Operation != "" {
		opts = append(opts, ferrors.WithOperation(f.Operation))
	}
	if f.Address != "" {
		opts = append(opts, ferrors.WithAddress(f.Address))
	}
	return ferrors.New(ferrors.ErrorCode(f.Code), f.Message, opts...)
}
