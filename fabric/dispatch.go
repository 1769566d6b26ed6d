package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/tasks"
)

var (
	errIntercepted = errors.New("dropped by interceptor")
	errInboxFull   = errors.New("local inbox full")
	errCallerGone  = errors.New("caller closed the call")
)

// receipt remembers one delivered envelope. A duplicate is re-acknowledged
// only once the original has been handled.
type receipt struct {
	handled atomic.Bool
}

// emit is the single outgoing path of the node; the delivery tracker
// retransmits through it too.
func (f *Fabric) emit(env envelope.Envelope) error {
	if fn := f.opts.interceptor; fn != nil {
		out, ok := fn(env)
		if !ok {
			f.logger.EnvelopeDropped(env.ID, env.To.String(), errIntercepted)
			return nil
		}
		env = out
	}
	if env.To.Kind() == envelope.DestBroadcast {
		for _, member := range env.Split() {
			if err := f.transmit(member); err != nil {
				f.logger.EnvelopeDropped(member.ID, member.To.String(), err)
			}
		}
		return nil
	}
	return f.transmit(env)
}

// transmit hands a single-destination envelope to a local agent or the
// sentinel without blocking. Routing errors are final; a missing link or a
// full inbox is not, and the tracker retries.
func (f *Fabric) transmit(env envelope.Envelope) error {
	m, err := f.resolver.Select(env.To)
	if err != nil {
		return err
	}
	if m.Target.Kind == registry.TargetLocal {
		if env.To.Kind() == envelope.DestCapabilities {
			env = env.Retarget(m.Address)
		}
		switch env.Frame.Kind() {
		case envelope.KindResult, envelope.KindStreamItem, envelope.KindStreamEnd:
			f.deliverReply(env)
			return nil
		}
		if f.ctx.Err() != nil {
			return ErrClosed
		}
		select {
		case f.inbox <- env:
			return nil
		default:
			return errInboxFull
		}
	}
	if f.up == nil {
		return ErrNoUpstream
	}
	return f.up.send(env)
}

// localLoop delivers envelopes the node sent to itself, in order.
func (f *Fabric) localLoop() {
	defer f.wg.Done()
	for {
		select {
		case env := <-f.inbox:
			f.receive(env)
		case <-f.ctx.Done():
			return
		}
	}
}

// receive handles one envelope addressed to this node.
func (f *Fabric) receive(env envelope.Envelope) {
	switch env.Frame.Kind() {
	case envelope.KindAck:
		f.tracker.Ack(*env.Frame.Ack)
	case envelope.KindResult, envelope.KindStreamItem, envelope.KindStreamEnd:
		f.deliverReply(env)
	case envelope.KindInvoke, envelope.KindMessage, envelope.KindEvent:
		f.deliverRequest(env)
	default:
		f.logger.Debug("ignoring frame", map[string]interface{}{
			"id":    env.ID,
			"frame": string(env.Frame.Kind()),
		})
	}
}

// deliverRequest suppresses duplicates, then dispatches to the addressed
// agent.
func (f *Fabric) deliverRequest(env envelope.Envelope) {
	if env.To.Kind() == envelope.DestCapabilities {
		m, err := f.resolver.Select(env.To)
		if err != nil || m.Target.Kind != registry.TargetLocal {
			f.refuse(env, ferrors.NoCapableAgent(capabilityStrings(env.To.Capabilities)))
			return
		}
		env = env.Retarget(m.Address)
	}

	a, ok := f.agentAt(env.To.Address)
	if !ok {
		f.refuse(env, ferrors.UnknownAddress(env.To.String()))
		return
	}

	rec := &receipt{}
	if prev, found, _ := f.dedup.PeekOrAdd(env.DedupKey(), rec); found {
		if prev.handled.Load() {
			f.acknowledge(a.addr, env, nil)
		}
		f.logger.Debug("duplicate suppressed", map[string]interface{}{
			"id": env.ID,
			"to": env.To.String(),
		})
		return
	}

	switch {
	case env.Frame.Invoke != nil:
		f.dispatchInvoke(a, env, rec)
	case env.Frame.Message != nil:
		f.dispatchMessage(a, env, rec, env.Frame.Message.Payload)
	case env.Frame.Event != nil:
		f.dispatchEvent(a, env, rec)
	}
}

// refuse answers an undeliverable request with a negative ack.
func (f *Fabric) refuse(env envelope.Envelope, err error) {
	f.logger.EnvelopeDropped(env.ID, env.To.String(), err)
	if !env.RequiresAck {
		return
	}
	from := f.client
	if env.To.Kind() == envelope.DestAddress {
		from = env.To.Address
	}
	f.acknowledge(from, env, envelope.FaultFrom(err))
}

func (f *Fabric) acknowledge(from envelope.Address, env envelope.Envelope, fault *envelope.Fault) {
	if !env.RequiresAck {
		return
	}
	ack, err := env.Ack(from, fault)
	if err != nil {
		return
	}
	f.reply(ack)
}

// reply sends a response frame. Responses are not tracked; a failure is
// logged.
func (f *Fabric) reply(env envelope.Envelope) {
	if err := f.emit(env); err != nil {
		f.logger.EnvelopeDropped(env.ID, env.To.String(), err)
	}
}

// dispatchInvoke acknowledges the invoke, then runs the operation in the
// background and sends back its result or stream.
func (f *Fabric) dispatchInvoke(a *agent, env envelope.Envelope, rec *receipt) {
	inv := env.Frame.Invoke
	rec.handled.Store(true)
	f.acknowledge(a.addr, env, nil)

	op, ok := a.ops[inv.Operation]
	if !ok {
		err := ferrors.New(ferrors.ErrCodeUnsupported,
			"agent "+string(a.addr)+" has no operation "+inv.Operation,
			ferrors.WithOperation(inv.Operation),
			ferrors.WithAddress(string(a.addr)))
		f.respond(a, env, nil, err)
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, span := f.tracer.StartHandleSpan(a.ctx, env)
		ctx = withRequest(ctx, &Request{
			Fabric:     f,
			Self:       a.addr,
			Caller:     env.Source,
			EnvelopeID: env.ID,
			Operation:  inv.Operation,
		})

		var err error
		if op.Stream != nil {
			err = f.runStream(ctx, a, env, op.Stream)
		} else {
			var value any
			value, err = runUnary(ctx, op.Unary, inv.Args)
			if err != nil {
				err = handlerError(inv.Operation, err)
			}
			f.respond(a, env, value, err)
		}
		f.tracer.EndSpan(span, err)
	}()
}

func runUnary(ctx context.Context, fn UnaryFunc, args json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.RecoverPanic(r)
		}
	}()
	return fn(ctx, args)
}

// respond sends the unary outcome, or a one-shot stream when the caller
// asked for one.
func (f *Fabric) respond(a *agent, env envelope.Envelope, value any, err error) {
	var res envelope.Result
	if err == nil {
		raw, merr := encodeValue(value)
		if merr != nil {
			err = ferrors.Handler(env.Frame.Invoke.Operation, merr)
		}
		res.Value = raw
	}
	res.Fault = envelope.FaultFrom(err)

	if env.Frame.Invoke.Streaming {
		count := 0
		if res.Fault == nil {
			f.sendFrame(a, env, envelope.Frame{StreamItem: &envelope.StreamItem{Seq: 0, Value: res.Value}})
			count = 1
		}
		f.sendFrame(a, env, envelope.Frame{StreamEnd: &envelope.StreamEnd{Count: count, Fault: res.Fault}})
		return
	}
	f.sendFrame(a, env, envelope.Frame{Result: &res})
}

// runStream sends each item the handler produces, then the end marker.
func (f *Fabric) runStream(ctx context.Context, a *agent, env envelope.Envelope, fn StreamFunc) (err error) {
	inv := env.Frame.Invoke
	if !inv.Streaming {
		err = ferrors.New(ferrors.ErrCodeUnsupported, "operation "+inv.Operation+" streams; call it with Stream",
			ferrors.WithOperation(inv.Operation))
		f.sendFrame(a, env, envelope.Frame{Result: &envelope.Result{Fault: envelope.FaultFrom(err)}})
		return err
	}

	caller := f.localCall(env.CorrelationID)
	seq := 0
	send := func(v any) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if caller != nil {
			if err := caller.waitRoom(ctx); err != nil {
				return err
			}
		}
		raw, err := encodeValue(v)
		if err != nil {
			return err
		}
		f.sendFrame(a, env, envelope.Frame{StreamItem: &envelope.StreamItem{Seq: seq, Value: raw}})
		seq++
		return nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = ferrors.RecoverPanic(r)
			}
		}()
		err = fn(ctx, inv.Args, send)
	}()
	if err != nil {
		err = handlerError(inv.Operation, err)
	}
	f.sendFrame(a, env, envelope.Frame{StreamEnd: &envelope.StreamEnd{Count: seq, Fault: envelope.FaultFrom(err)}})
	return err
}

func (f *Fabric) sendFrame(a *agent, req envelope.Envelope, frame envelope.Frame) {
	out, err := req.Reply(a.addr, frame)
	if err != nil {
		f.logger.Warn("building reply failed", map[string]interface{}{
			"id":    req.ID,
			"error": err.Error(),
		})
		return
	}
	f.reply(out)
}

// dispatchMessage hands a message to the agent and acknowledges once the
// handler has returned.
func (f *Fabric) dispatchMessage(a *agent, env envelope.Envelope, rec *receipt, payload json.RawMessage) {
	if a.messages == nil {
		rec.handled.Store(true)
		f.acknowledge(a.addr, env, envelope.FaultFrom(ferrors.New(ferrors.ErrCodeUnsupported,
			"agent "+string(a.addr)+" does not accept messages",
			ferrors.WithAddress(string(a.addr)))))
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, span := f.tracer.StartHandleSpan(a.ctx, env)
		ctx = withRequest(ctx, &Request{Fabric: f, Self: a.addr, Caller: env.Source, EnvelopeID: env.ID})
		err := safeCall(func() error { return a.messages.OnMessage(ctx, env.Source, payload) })
		f.finishMessage(a, env, rec, err)
		f.tracer.EndSpan(span, err)
	}()
}

// dispatchEvent hands a pushed task event to OnEvent, or to OnMessage with
// the event as payload.
func (f *Fabric) dispatchEvent(a *agent, env envelope.Envelope, rec *receipt) {
	if a.events == nil {
		f.dispatchMessage(a, env, rec, env.Frame.Event.Data)
		return
	}
	var ev tasks.Event
	if err := json.Unmarshal(env.Frame.Event.Data, &ev); err != nil {
		rec.handled.Store(true)
		f.acknowledge(a.addr, env, envelope.FaultFrom(ferrors.InvalidInput("decode task event: "+err.Error())))
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, span := f.tracer.StartHandleSpan(a.ctx, env)
		ctx = withRequest(ctx, &Request{Fabric: f, Self: a.addr, Caller: env.Source, EnvelopeID: env.ID})
		err := safeCall(func() error { return a.events.OnEvent(ctx, env.Source, ev) })
		f.finishMessage(a, env, rec, err)
		f.tracer.EndSpan(span, err)
	}()
}

// finishMessage acknowledges a handled message. Handler errors are the
// agent's business and do not turn into redelivery.
func (f *Fabric) finishMessage(a *agent, env envelope.Envelope, rec *receipt, err error) {
	if err != nil {
		f.logger.Warn("message handler failed", map[string]interface{}{
			"id":    env.ID,
			"to":    string(a.addr),
			"from":  string(env.Source),
			"error": err.Error(),
		})
	}
	rec.handled.Store(true)
	f.acknowledge(a.addr, env, nil)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.RecoverPanic(r)
		}
	}()
	return fn()
}

// encodeValue renders a handler value for the wire. Raw JSON passes through.
func encodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	return json.Marshal(v)
}

func capabilityStrings(caps []envelope.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
