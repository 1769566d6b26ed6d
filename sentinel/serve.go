package sentinel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/delivery"
	"github.com/vinayprograms/agentfabric/heartbeat"
	"github.com/vinayprograms/agentfabric/transport"
)

// PeerBackoff is the reconnect schedule used by MaintainPeer.
var PeerBackoff = delivery.Backoff{
	Initial:    500 * time.Millisecond,
	Multiplier: 2,
	Max:        30 * time.Second,
	Jitter:     0.2,
}

// ServeHTTP upgrades the request to a WebSocket link and attaches it.
func (s *Sentinel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.WebSocket
	cfg.ID = "ws-" + uuid.NewString()
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	link, err := transport.Accept(w, r, cfg)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	if err := s.Attach(s.ctx, link); err != nil {
		s.logger.Warn("attach failed", map[string]interface{}{
			"link":   link.ID(),
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
	}
}

// ServeTCP accepts length-prefixed envelope streams on ln until ln fails or
// the sentinel closes.
func (s *Sentinel) ServeTCP(ln net.Listener) error {
	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		cfg := s.config.Stream
		cfg.ID = "tcp-" + uuid.NewString()
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		link := transport.NewStreamLink(conn, cfg)
		go func() {
			if err := s.Attach(s.ctx, link); err != nil {
				s.logger.Warn("attach failed", map[string]interface{}{
					"link":   link.ID(),
					"remote": conn.RemoteAddr().String(),
					"error":  err.Error(),
				})
			}
		}()
	}
}

// ServeBus attaches node links arriving through a bus listener until the
// listener or the sentinel closes.
func (s *Sentinel) ServeBus(l *bus.Listener) error {
	for {
		link, err := l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := s.Attach(s.ctx, link); err != nil {
				s.logger.Warn("attach failed", map[string]interface{}{
					"link":  link.ID(),
					"error": err.Error(),
				})
			}
		}()
	}
}

// DialPeer connects to another sentinel at rawURL (ws://, wss:// or
// tcp://) and attaches the link.
func (s *Sentinel) DialPeer(ctx context.Context, rawURL string) (transport.Link, error) {
	link, err := s.dial(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx, link); err != nil {
		return nil, fmt.Errorf("attach %s: %w", rawURL, err)
	}
	return link, nil
}

func (s *Sentinel) dial(ctx context.Context, rawURL string) (transport.Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("peer url: %w", err)
	}
	id := "peer-" + u.Host
	switch u.Scheme {
	case "ws", "wss":
		cfg := s.config.WebSocket
		cfg.ID = id
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		return transport.DialWebSocket(ctx, rawURL, cfg)
	case "tcp":
		cfg := s.config.Stream
		cfg.ID = id
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		return transport.DialTCP(ctx, u.Host, cfg)
	default:
		return nil, fmt.Errorf("peer url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
}

// MaintainPeer keeps a link to the sentinel at rawURL, redialing with
// backoff whenever it drops, until ctx ends or the sentinel closes.
func (s *Sentinel) MaintainPeer(ctx context.Context, rawURL string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		link, err := s.DialPeer(ctx, rawURL)
		if err == nil {
			attempt = 0
			select {
			case <-link.Done():
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
			s.logger.Info("peer link lost, redialing", map[string]interface{}{"peer": rawURL})
		} else {
			attempt++
			s.logger.Warn("peer dial failed", map[string]interface{}{
				"peer":    rawURL,
				"attempt": attempt,
				"error":   err.Error(),
			})
		}

		delay := PeerBackoff.Delay(attempt, rng.Float64())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// WatchHeartbeats closes the links of nodes the monitor presumes dead.
func (s *Sentinel) WatchHeartbeats(m *heartbeat.Monitor) {
	m.OnDead(func(nodeID string) {
		if s.DetachNode(nodeID) {
			s.logger.Warn("node presumed dead, links closed", map[string]interface{}{"node": nodeID})
		}
	})
}
