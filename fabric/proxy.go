package fabric

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
)

// Proxy invokes operations on a remote agent.
type Proxy struct {
	f    *Fabric
	dest envelope.Destination
	from envelope.Address
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// As sends from addr instead of the node's client address. Handlers pass
// their own address so that replies and pushes come back to them.
func As(addr envelope.Address) ProxyOption {
	return func(p *Proxy) {
		if addr != "" {
			p.from = addr
		}
	}
}

// RemoteByAddress returns a proxy for the agent at addr.
func (f *Fabric) RemoteByAddress(addr envelope.Address, opts ...ProxyOption) *Proxy {
	return f.proxy(envelope.ToAddress(addr), opts)
}

// RemoteByCapabilities returns a proxy for whichever agent advertises all of
// caps. Each call is resolved on its own.
func (f *Fabric) RemoteByCapabilities(caps []envelope.Capability, opts ...ProxyOption) *Proxy {
	return f.proxy(envelope.ToCapabilities(caps...), opts)
}

func (f *Fabric) proxy(dest envelope.Destination, opts []ProxyOption) *Proxy {
	p := &Proxy{f: f, dest: dest, from: f.client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns where the proxy sends.
func (p *Proxy) Destination() envelope.Destination {
	return p.dest
}

// call is an invoke waiting for its response frames. Frames queue on the
// call itself, so a consumer that falls behind holds up only its own call.
type call struct {
	id      string
	limit   int
	done    chan struct{}
	once    sync.Once
	pending *delivery.Pending

	mu    sync.Mutex
	queue []envelope.Envelope
	wake  chan struct{}
	room  chan struct{}
}

func (c *call) close() {
	c.once.Do(func() { close(c.done) })
}

// push queues a response frame. It never blocks.
func (c *call) push(env envelope.Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	signal(c.wake)
}

// pop takes the oldest queued frame.
func (c *call) pop() (envelope.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return envelope.Envelope{}, false
	}
	env := c.queue[0]
	c.queue[0] = envelope.Envelope{}
	c.queue = c.queue[1:]
	signal(c.room)
	return env, true
}

// waitRoom blocks a producer on this node until the call has fewer than
// limit frames queued. Producers on other nodes are not paced.
func (c *call) waitRoom(ctx context.Context) error {
	for {
		c.mu.Lock()
		n := len(c.queue)
		c.mu.Unlock()
		if n < c.limit {
			return nil
		}
		select {
		case <-c.room:
		case <-c.done:
			return errCallerGone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *Fabric) openCall(id string, limit int) (*call, error) {
	c := &call{
		id:    id,
		limit: limit,
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
		room:  make(chan struct{}, 1),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.calls[id] = c
	return c, nil
}

func (f *Fabric) closeCall(c *call) {
	f.mu.Lock()
	if f.calls[c.id] == c {
		delete(f.calls, c.id)
	}
	f.mu.Unlock()
	c.close()
}

// localCall returns the open call with correlation id, if this node made it.
func (f *Fabric) localCall(id string) *call {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls[id]
}

// deliverReply routes a response frame to the call awaiting it. A unary
// call is retired by its first result; later copies find nothing.
func (f *Fabric) deliverReply(env envelope.Envelope) {
	f.mu.Lock()
	c, ok := f.calls[env.CorrelationID]
	if ok && env.Frame.Result != nil {
		delete(f.calls, env.CorrelationID)
	}
	f.mu.Unlock()
	if !ok {
		f.logger.Debug("reply without caller", map[string]interface{}{
			"id":          env.ID,
			"correlation": env.CorrelationID,
			"frame":       string(env.Frame.Kind()),
		})
		return
	}
	c.push(env)
}

// invoke sends an Invoke and registers for its replies.
func (p *Proxy) invoke(ctx context.Context, op string, args any, streaming bool) (*call, error) {
	raw, err := encodeValue(args)
	if err != nil {
		return nil, ferrors.InvalidInput("encode arguments: " + err.Error())
	}
	env, err := envelope.New(p.from, p.dest, envelope.Frame{Invoke: &envelope.Invoke{
		Operation: op,
		Args:      raw,
		Streaming: streaming,
	}})
	if err != nil {
		return nil, ferrors.InvalidInput(err.Error())
	}

	_, span := p.f.tracer.StartSendSpan(ctx, &env)
	defer p.f.tracer.EndSpan(span, nil)

	buffer := 1
	if streaming {
		buffer = p.f.opts.streamBuffer
	}
	c, err := p.f.openCall(env.CorrelationID, buffer)
	if err != nil {
		return nil, err
	}
	pending, err := p.f.tracker.Track(env)
	if err != nil {
		p.f.closeCall(c)
		return nil, err
	}
	c.pending = pending
	return c, nil
}

// Call invokes op with args and waits for its result. It fails with a
// routing error when no agent can be reached, DELIVERY_FAILED when none
// acknowledged, and HANDLER_ERROR (or the code the handler raised) when the
// agent failed.
func (p *Proxy) Call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	c, err := p.invoke(ctx, op, args, false)
	if err != nil {
		return nil, err
	}
	defer p.f.closeCall(c)

	acked := c.pending.Done()
	for {
		if env, ok := c.pop(); ok {
			// A reply proves delivery even if its ack was lost.
			p.f.tracker.Cancel(c.id)
			acked = nil
			res := env.Frame.Result
			if res == nil {
				continue
			}
			if res.Fault != nil {
				return nil, res.Fault.Err()
			}
			return res.Value, nil
		}
		select {
		case <-c.wake:
		case <-acked:
			if err := c.pending.Err(); err != nil {
				return nil, err
			}
			acked = nil
		case <-ctx.Done():
			p.f.tracker.Cancel(c.id)
			return nil, ferrors.Wrap(ctx.Err(), "call "+op)
		}
	}
}

// CallInto calls op and decodes the result into out.
func (p *Proxy) CallInto(ctx context.Context, op string, args, out any) error {
	raw, err := p.Call(ctx, op, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ferrors.Wrap(err, "decode result of "+op)
	}
	return nil
}

// Stream invokes a streaming op. Items are read with Stream.Next.
func (p *Proxy) Stream(ctx context.Context, op string, args any) (*Stream, error) {
	c, err := p.invoke(ctx, op, args, true)
	if err != nil {
		return nil, err
	}
	return &Stream{f: p.f, c: c, op: op, acked: c.pending.Done(), held: make(map[int]json.RawMessage)}, nil
}

// SendMessage delivers payload to the proxy's destination and returns once
// an agent acknowledged it.
func (p *Proxy) SendMessage(ctx context.Context, payload any) error {
	raw, err := encodeValue(payload)
	if err != nil {
		return ferrors.InvalidInput("encode message: " + err.Error())
	}
	env, err := envelope.New(p.from, p.dest, envelope.Frame{Message: &envelope.Message{Payload: raw}})
	if err != nil {
		return ferrors.InvalidInput(err.Error())
	}
	_, span := p.f.tracer.StartSendSpan(ctx, &env)
	err = p.f.tracker.Send(ctx, env)
	p.f.tracer.EndSpan(span, err)
	return err
}

// SendMessage delivers payload to addr and returns once it was
// acknowledged.
func (f *Fabric) SendMessage(ctx context.Context, to envelope.Address, payload any) error {
	return f.RemoteByAddress(to).SendMessage(ctx, payload)
}

// BroadcastResult is the outcome of one broadcast member.
type BroadcastResult struct {
	Address envelope.Address
	Value   json.RawMessage
	Err     error
}

// Broadcast calls op on every address concurrently. Results come back in
// the order of addrs; one member failing does not affect the others.
func (f *Fabric) Broadcast(ctx context.Context, addrs []envelope.Address, op string, args any, opts ...ProxyOption) []BroadcastResult {
	out := make([]BroadcastResult, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		out[i].Address = addr
		wg.Add(1)
		go func(i int, addr envelope.Address) {
			defer wg.Done()
			out[i].Value, out[i].Err = f.RemoteByAddress(addr, opts...).Call(ctx, op, args)
		}(i, addr)
	}
	wg.Wait()
	return out
}

// Stream is the consumer side of a streaming call. Items are returned in
// sequence order regardless of arrival order.
type Stream struct {
	f     *Fabric
	c     *call
	op    string
	acked <-chan struct{}

	next  int
	held  map[int]json.RawMessage
	end   *envelope.StreamEnd
	err   error
	close sync.Once
}

// Next returns the next item. It returns io.EOF after the last item, or the
// error the stream ended with.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		if v, ok := s.held[s.next]; ok {
			delete(s.held, s.next)
			s.next++
			return v, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.end != nil && s.next >= s.end.Count {
			s.finish(s.end.Fault.Err())
			continue
		}

		if env, ok := s.c.pop(); ok {
			s.f.tracker.Cancel(s.c.id)
			s.acked = nil
			s.accept(env)
			continue
		}
		select {
		case <-s.c.wake:
		case <-s.acked:
			if err := s.c.pending.Err(); err != nil {
				s.finish(err)
			}
			s.acked = nil
		case <-ctx.Done():
			return nil, ferrors.Wrap(ctx.Err(), "stream "+s.op)
		}
	}
}

func (s *Stream) accept(env envelope.Envelope) {
	switch {
	case env.Frame.StreamItem != nil:
		item := env.Frame.StreamItem
		if item.Seq < s.next {
			return
		}
		if _, dup := s.held[item.Seq]; !dup {
			s.held[item.Seq] = item.Value
		}
	case env.Frame.StreamEnd != nil:
		if s.end == nil {
			s.end = env.Frame.StreamEnd
		}
	case env.Frame.Result != nil:
		// The agent answered without streaming: an error, or an operation
		// that is not a stream.
		if f := env.Frame.Result.Fault; f != nil {
			s.finish(f.Err())
			return
		}
		s.held[s.next] = env.Frame.Result.Value
		s.end = &envelope.StreamEnd{Count: s.next + 1}
	}
}

func (s *Stream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.err = err
	s.Close()
}

// Collect reads the stream to its end.
func (s *Stream) Collect(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		v, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Close stops the stream. Items still in flight are discarded.
func (s *Stream) Close() {
	s.close.Do(func() {
		s.f.tracker.Cancel(s.c.id)
		s.f.closeCall(s.c)
	})
}
