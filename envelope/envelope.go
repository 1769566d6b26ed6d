package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrNoDestination  = errors.New("envelope has no destination")
	ErrBadDestination = errors.New("destination must set exactly one of address, capabilities, broadcast")
	ErrBadFrame       = errors.New("frame must set exactly one variant")
	ErrBadAddress     = errors.New("address must have the form name@location")
)

// DefaultTTL is the hop budget given to new envelopes.
const DefaultTTL = 8

// Address is a direct address of one agent instance: "name@location".
type Address string

// ParseAddress validates s as an Address.
func ParseAddress(s string) (Address, error) {
	name, loc, ok := strings.Cut(s, "@")
	if !ok || name == "" || loc == "" || strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return Address(s), nil
}

// NewAddress joins name and location.
func NewAddress(name, location string) Address {
	return Address(name + "@" + location)
}

// Name returns the part before '@'.
func (a Address) Name() string {
	name, _, _ := strings.Cut(string(a), "@")
	return name
}

// Location returns the part after '@'.
func (a Address) Location() string {
	_, loc, _ := strings.Cut(string(a), "@")
	return loc
}

// String returns the address text.
func (a Address) String() string { return string(a) }

// Capability is a tag an agent advertises.
type Capability string

// Well-known capabilities.
const (
	// CapabilityAgent is advertised by every agent served through the fabric.
	CapabilityAgent Capability = "agent"
)

// DestinationKind identifies which form a Destination takes.
type DestinationKind string

const (
	DestAddress      DestinationKind = "address"
	DestCapabilities DestinationKind = "capabilities"
	DestBroadcast    DestinationKind = "broadcast"
)

// Destination is exactly one of a direct address, a capability set, or a
// broadcast list.
type Destination struct {
	Address      Address      `json:"address,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Broadcast    []Address    `json:"broadcast,omitempty"`
}

// ToAddress targets one agent.
func ToAddress(a Address) Destination {
	return Destination{Address: a}
}

// ToCapabilities targets any agent advertising all of caps.
func ToCapabilities(caps ...Capability) Destination {
	return Destination{Capabilities: append([]Capability(nil), caps...)}
}

// ToBroadcast targets every listed address.
func ToBroadcast(addrs ...Address) Destination {
	return Destination{Broadcast: append([]Address(nil), addrs...)}
}

// Kind returns the destination form, or "" if the destination is empty or
// ambiguous.
func (d Destination) Kind() DestinationKind {
	n := 0
	var k DestinationKind
	if d.Address != "" {
		n++
		k = DestAddress
	}
	if len(d.Capabilities) > 0 {
		n++
		k = DestCapabilities
	}
	if len(d.Broadcast) > 0 {
		n++
		k = DestBroadcast
	}
	if n != 1 {
		return ""
	}
	return k
}

// IsZero reports whether no destination form is set.
func (d Destination) IsZero() bool {
	return d.Address == "" && len(d.Capabilities) == 0 && len(d.Broadcast) == 0
}

// Validate checks that exactly one form is set.
func (d Destination) Validate() error {
	if d.IsZero() {
		return ErrNoDestination
	}
	if d.Kind() == "" {
		return ErrBadDestination
	}
	return nil
}

// String renders the destination for logs and dedup keys.
func (d Destination) String() string {
	switch d.Kind() {
	case DestAddress:
		return string(d.Address)
	case DestCapabilities:
		parts := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			parts[i] = string(c)
		}
		return "caps:" + strings.Join(parts, ",")
	case DestBroadcast:
		parts := make([]string, len(d.Broadcast))
		for i, a := range d.Broadcast {
			parts[i] = string(a)
		}
		return "broadcast:" + strings.Join(parts, ",")
	}
	return ""
}

// Envelope is the unit of transmission. Envelopes are values: methods that
// derive a new envelope return a copy and never mutate the receiver.
type Envelope struct {
	ID            string      `json:"id"`
	Source        Address     `json:"source"`
	To            Destination `json:"to"`
	Frame         Frame       `json:"frame"`
	CorrelationID string      `json:"corr_id,omitempty"`
	RequiresAck   bool        `json:"requires_ack"`
	TraceID       string      `json:"trace_id,omitempty"`
	TTL           int         `json:"ttl"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Option customizes an envelope at construction.
type Option func(*Envelope)

// WithID sets an explicit envelope id.
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTrace sets the trace id.
func WithTrace(id string) Option {
	return func(e *Envelope) { e.TraceID = id }
}

// WithTTL overrides the hop budget.
func WithTTL(ttl int) Option {
	return func(e *Envelope) { e.TTL = ttl }
}

// WithAck overrides the acknowledgment requirement.
func WithAck(required bool) Option {
	return func(e *Envelope) { e.RequiresAck = required }
}

// New constructs an envelope. The destination must be valid and the frame
// must carry exactly one variant. The correlation id defaults to the
// envelope id.
func New(src Address, to Destination, frame Frame, opts ...Option) (Envelope, error) {
	if err := to.Validate(); err != nil {
		return Envelope{}, err
	}
	kind := frame.Kind()
	if kind == "" {
		return Envelope{}, ErrBadFrame
	}
	e := Envelope{
		ID:          uuid.NewString(),
		Source:      src,
		To:          to,
		Frame:       frame,
		RequiresAck: kind.DefaultRequiresAck(),
		TTL:         DefaultTTL,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e, nil
}

// MustNew is New for statically known inputs; it panics on error.
func MustNew(src Address, to Destination, frame Frame, opts ...Option) Envelope {
	e, err := New(src, to, frame, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate checks structural well-formedness of a received envelope.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope has no id")
	}
	if err := e.To.Validate(); err != nil {
		return err
	}
	if e.Frame.Kind() == "" {
		return ErrBadFrame
	}
	return nil
}

// Hop returns a copy with the hop budget decremented. ok is false when the
// budget is already spent.
func (e Envelope) Hop() (Envelope, bool) {
	if e.TTL <= 0 {
		return e, false
	}
	e.TTL--
	return e, true
}

// Retarget returns a copy addressed to a single member address, keeping the
// id and correlation id.
func (e Envelope) Retarget(a Address) Envelope {
	e.To = ToAddress(a)
	return e
}

// Split expands a broadcast envelope into one direct envelope per member, in
// list order. Non-broadcast envelopes are returned as-is.
func (e Envelope) Split() []Envelope {
	if e.To.Kind() != DestBroadcast {
		return []Envelope{e}
	}
	out := make([]Envelope, 0, len(e.To.Broadcast))
	for _, a := range e.To.Broadcast {
		out = append(out, e.Retarget(a))
	}
	return out
}

// DedupKey identifies one delivery of this envelope to one destination.
func (e Envelope) DedupKey() string {
	return e.ID + "|" + e.To.String()
}

// Reply builds a response envelope addressed back to the source, sharing the
// correlation and trace ids.
func (e Envelope) Reply(from Address, frame Frame, opts ...Option) (Envelope, error) {
	base := []Option{WithCorrelation(e.CorrelationID), WithTrace(e.TraceID)}
	return New(from, ToAddress(e.Source), frame, append(base, opts...)...)
}

// Ack builds the delivery acknowledgment for this envelope. A nil fault
// produces a positive ack.
func (e Envelope) Ack(from Address, fault *Fault) (Envelope, error) {
	return e.Reply(from, Frame{Ack: &DeliveryAck{RefID: e.ID, OK: fault == nil, Fault: fault}})
}

// Marshal encodes an envelope as JSON.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates a JSON envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
