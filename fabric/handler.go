package fabric

import (
	"context"
	"encoding/json"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/tasks"
)

// OpRunTask is the operation name under which a TaskRunner is exposed.
const OpRunTask = "run_task"

// TaskRunner is an agent that runs one-shot tasks.
type TaskRunner interface {
	RunTask(ctx context.Context, input json.RawMessage) (any, error)
}

// MessageHandler is an agent that accepts fire-and-forget messages.
type MessageHandler interface {
	OnMessage(ctx context.Context, from envelope.Address, payload json.RawMessage) error
}

// EventHandler is an agent that accepts pushed task events. Agents without
// it receive pushed events through OnMessage, the event as payload.
type EventHandler interface {
	OnEvent(ctx context.Context, from envelope.Address, ev tasks.Event) error
}

// OperationProvider is an agent with named operations.
type OperationProvider interface {
	Operations() Operations
}

// CapabilityProvider is an agent that advertises capabilities.
type CapabilityProvider interface {
	Capabilities() []envelope.Capability
}

// Starter is an agent with a start hook. Start runs once, before the agent
// becomes reachable; an error aborts Serve.
type Starter interface {
	Start(ctx context.Context, self envelope.Address) error
}

// HandlerFunc turns a function into an agent that answers run_task.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (any, error)

// RunTask calls f.
func (f HandlerFunc) RunTask(ctx context.Context, input json.RawMessage) (any, error) {
	return f(ctx, input)
}

// UnaryFunc answers an invoke with one value.
type UnaryFunc func(ctx context.Context, args json.RawMessage) (any, error)

// StreamFunc answers an invoke with a finite sequence of values, passed to
// send in order. A send error means the stream can no longer be delivered.
type StreamFunc func(ctx context.Context, args json.RawMessage, send func(any) error) error

// Operation is one named operation. Exactly one of Unary or Stream is set.
type Operation struct {
	Unary  UnaryFunc
	Stream StreamFunc
}

// Streaming reports whether the operation produces a stream.
func (o Operation) Streaming() bool {
	return o.Stream != nil
}

func (o Operation) valid() bool {
	return (o.Unary == nil) != (o.Stream == nil)
}

// Operations maps operation names to handlers.
type Operations map[string]Operation

// Operations lets a bare table be served as an agent.
func (ops Operations) Operations() Operations {
	return ops
}

// Merge returns a copy of ops with the entries of other added. Entries of
// other win on conflict.
func (ops Operations) Merge(other Operations) Operations {
	out := make(Operations, len(ops)+len(other))
	for k, v := range ops {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Unary builds a unary operation with typed arguments and result.
func Unary[A, R any](fn func(ctx context.Context, args A) (R, error)) Operation {
	return Operation{Unary: func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}}
}

// Streaming builds a streaming operation with typed arguments and items.
func Streaming[A, R any](fn func(ctx context.Context, args A, send func(R) error) error) Operation {
	return Operation{Stream: func(ctx context.Context, raw json.RawMessage, send func(any) error) error {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return err
		}
		return fn(ctx, args, func(v R) error { return send(v) })
	}}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ferrors.InvalidInput("decode arguments: " + err.Error())
	}
	return nil
}

// Request describes the invoke or message being handled. Handlers obtain it
// with RequestFrom.
type Request struct {
	Fabric     *Fabric
	Self       envelope.Address
	Caller     envelope.Address
	EnvelopeID string
	Operation  string
}

type requestKey struct{}

// RequestFrom returns the request carried by a handler's context.
func RequestFrom(ctx context.Context) (*Request, bool) {
	r, ok := ctx.Value(requestKey{}).(*Request)
	return r, ok
}

func withRequest(ctx context.Context, r *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// agent is a served handler with its operations resolved.
type agent struct {
	addr     envelope.Address
	caps     []envelope.Capability
	ops      Operations
	messages MessageHandler
	events   EventHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

// resolveAgent inspects h once and builds its operation table.
func resolveAgent(h any) (*agent, error) {
	a := &agent{ops: make(Operations)}
	known := false
	if p, ok := h.(OperationProvider); ok {
		known = true
		for name, op := range p.Operations() {
			if name == "" || !op.valid() {
				return nil, ferrors.InvalidInput("operation " + name + " must set exactly one of Unary or Stream")
			}
			a.ops[name] = op
		}
	}
	if r, ok := h.(TaskRunner); ok {
		known = true
		if _, taken := a.ops[OpRunTask]; !taken {
			a.ops[OpRunTask] = Operation{Unary: r.RunTask}
		}
	}
	if m, ok := h.(MessageHandler); ok {
		known = true
		a.messages = m
	}
	if e, ok := h.(EventHandler); ok {
		known = true
		a.events = e
	}
	if c, ok := h.(CapabilityProvider); ok {
		a.caps = append(a.caps, c.Capabilities()...)
	}
	if !known {
		return nil, ferrors.InvalidInput("handler has no operations, RunTask, OnMessage or OnEvent")
	}
	return a, nil
}

// handlerError converts a handler's error to what the caller sees. Errors
// the handler raised about its own inputs and tasks keep their code;
// anything else, including failures of calls the handler made, becomes a
// HANDLER_ERROR for op.
func handlerError(op string, err error) error {
	switch ferrors.Code(err) {
	case ferrors.ErrCodeHandlerError,
		ferrors.ErrCodeInvalidInput,
		ferrors.ErrCodeNotFound,
		ferrors.ErrCodeUnsupported,
		ferrors.ErrCodeDuplicateTask,
		ferrors.ErrCodeInvalidTransition,
		ferrors.ErrCodeTaskTerminal:
		return err
	}
	return ferrors.Handler(op, err)
}
