package fabric

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/transport"
)

// ErrHelloTimeout is returned when the sentinel does not greet in time.
var ErrHelloTimeout = errors.New("sentinel hello timeout")

var errUpstreamDown = errors.New("upstream link down")

// RedialBackoff is the reconnect schedule for upstream links dialed by URL.
var RedialBackoff = delivery.Backoff{
	Initial:    500 * time.Millisecond,
	Multiplier: 2,
	Max:        30 * time.Second,
	Jitter:     0.2,
}

// upstream is the node's link to its sentinel.
type upstream struct {
	f    *Fabric
	dial func(ctx context.Context) (transport.Link, error)

	mu       sync.Mutex
	link     transport.Link
	sentinel string
	hello    chan struct{}
	closed   bool
}

func (f *Fabric) startUpstream() error {
	o := f.opts
	var dial func(ctx context.Context) (transport.Link, error)
	redial := false
	switch {
	case o.upstream != nil:
		used := false
		dial = func(context.Context) (transport.Link, error) {
			if used {
				return nil, errUpstreamDown
			}
			used = true
			return o.upstream, nil
		}
	case o.upstreamURL != "":
		dial = f.dialURL(o.upstreamURL)
		redial = true
	case o.upstreamBus != nil:
		cfg := o.busLink
		if cfg.Codec == nil {
			cfg.Codec = o.codec
		}
		if cfg.Logger == nil {
			cfg.Logger = f.logger
		}
		dial = func(context.Context) (transport.Link, error) {
			return bus.DialLink(o.upstreamBus, f.id, cfg)
		}
		redial = true
	default:
		return nil
	}

	f.up = &upstream{f: f, dial: dial}
	if err := f.up.connect(f.ctx); err != nil {
		f.up.close()
		return fmt.Errorf("upstream: %w", err)
	}
	if redial {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.up.maintain()
		}()
	}
	return nil
}

func (f *Fabric) dialURL(rawURL string) func(ctx context.Context) (transport.Link, error) {
	return func(ctx context.Context) (transport.Link, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("upstream url: %w", err)
		}
		base := transport.Config{
			ID:     "upstream-" + u.Host,
			Codec:  f.opts.codec,
			Logger: f.logger,
		}
		switch u.Scheme {
		case "ws", "wss":
			cfg := transport.DefaultWebSocketConfig()
			cfg.ID, cfg.Logger = base.ID, base.Logger
			if base.Codec != nil {
				cfg.Codec = base.Codec
			}
			return transport.DialWebSocket(ctx, rawURL, cfg)
		case "tcp":
			return transport.DialTCP(ctx, u.Host, base)
		default:
			return nil, fmt.Errorf("upstream url %q: unsupported scheme %q", rawURL, u.Scheme)
		}
	}
}

// connect dials, greets the sentinel, waits for its hello and announces
// every local address.
func (u *upstream) connect(ctx context.Context) error {
	link, err := u.dial(ctx)
	if err != nil {
		return err
	}
	hello := make(chan struct{})

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		link.Close()
		return ErrClosed
	}
	u.link = link
	u.hello = hello
	u.mu.Unlock()

	f := u.f
	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		link.Run(f.ctx)
	}()
	go func() {
		defer f.wg.Done()
		u.readLoop(link)
	}()

	link.Send(envelope.NewControl(f.client, envelope.Control{
		Kind:   envelope.ControlHello,
		NodeID: f.id,
		Role:   envelope.RoleNode,
	}))

	timer := time.NewTimer(f.opts.helloTimeout)
	defer timer.Stop()
	select {
	case <-hello:
		// Routes are read after the sentinel is recorded, so an agent served
		// concurrently is either listed here or announced on its own.
		if routes := f.localRoutes(); len(routes) > 0 {
			link.Send(envelope.NewControl(f.client, envelope.Control{
				Kind:   envelope.ControlRouteAdd,
				Routes: routes,
			}))
		}
		return nil
	case <-link.Done():
		return transport.ErrClosed
	case <-timer.C:
		link.Close()
		return ErrHelloTimeout
	case <-ctx.Done():
		link.Close()
		return ctx.Err()
	}
}

// readLoop feeds everything from link into the node.
func (u *upstream) readLoop(link transport.Link) {
	f := u.f
	recv := link.Recv()
	for {
		select {
		case env, ok := <-recv:
			if !ok {
				u.lost(link)
				return
			}
			if c := env.Frame.Control; c != nil {
				u.control(link, c)
				continue
			}
			f.receive(env)
		case <-link.Done():
			u.lost(link)
			return
		case <-f.ctx.Done():
			return
		}
	}
}

func (u *upstream) control(link transport.Link, c *envelope.Control) {
	if c.Kind != envelope.ControlHello {
		return
	}
	u.mu.Lock()
	if u.link != link || u.sentinel != "" {
		u.mu.Unlock()
		return
	}
	u.sentinel = c.NodeID
	close(u.hello)
	u.mu.Unlock()
	u.f.logger.LinkAttached(link.ID(), c.Role)
}

func (u *upstream) lost(link transport.Link) {
	u.mu.Lock()
	current := u.link == link
	if current {
		u.link = nil
		u.sentinel = ""
	}
	closed := u.closed
	u.mu.Unlock()
	if current && !closed {
		u.f.logger.LinkClosed(link.ID(), errUpstreamDown)
	}
}

// maintain redials whenever the link drops until the fabric closes.
func (u *upstream) maintain() {
	f := u.f
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if link := u.current(); link != nil {
			attempt = 0
			select {
			case <-link.Done():
			case <-f.ctx.Done():
				return
			}
		}
		attempt++
		select {
		case <-time.After(RedialBackoff.Delay(attempt, rng.Float64())):
		case <-f.ctx.Done():
			return
		}
		if err := u.connect(f.ctx); err != nil {
			if f.ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			f.logger.Warn("upstream redial failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
	}
}

// current returns the link once the sentinel has greeted on it.
func (u *upstream) current() transport.Link {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sentinel == "" {
		return nil
	}
	return u.link
}

// Sentinel returns the id of the sentinel the node is attached to, or "".
func (f *Fabric) Sentinel() string {
	if f.up == nil {
		return ""
	}
	f.up.mu.Lock()
	defer f.up.mu.Unlock()
	return f.up.sentinel
}

func (u *upstream) send(env envelope.Envelope) error {
	link := u.current()
	if link == nil {
		return errUpstreamDown
	}
	return link.Send(env)
}

func (u *upstream) announce(kind envelope.ControlKind, r envelope.Route) {
	link := u.current()
	if link == nil {
		return
	}
	link.Send(envelope.NewControl(u.f.client, envelope.Control{
		Kind:   kind,
		Routes: []envelope.Route{r},
	}))
}

func (u *upstream) close() {
	u.mu.Lock()
	u.closed = true
	link := u.link
	u.link = nil
	u.mu.Unlock()
	if link != nil {
		link.Close()
	}
}
