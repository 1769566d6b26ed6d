package sentinel

import (
	"errors"

	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/telemetry"
)

// learn registers a route announced by p, one hop further than p sees it.
// Routes that would exceed MaxHops are treated as withdrawn.
// Callers hold routeMu.
func (s *Sentinel) learn(p *peer, r envelope.Route) {
	if r.Address == s.addr {
		return
	}
	hops := r.Hops + 1
	if hops > s.config.MaxHops {
		s.unlearn(p, r.Address)
		return
	}
	_, nodeID := p.identity()
	err := s.reg.Register(registry.Entry{
		Address:      r.Address,
		Capabilities: r.Capabilities,
		Target:       registry.Target{Kind: registry.TargetLink, ID: p.id, Hops: hops},
		Metadata:     map[string]string{"node": nodeID},
	})
	if err != nil {
		s.logger.Warn("rejecting route", map[string]interface{}{
			"link":    p.id,
			"address": string(r.Address),
			"error":   err.Error(),
		})
		return
	}
	s.purgeCache()
	s.logger.RouteChanged("add", string(r.Address), p.id, hops)
	s.config.Journal.LogEvent(telemetry.EventRouteChanged, map[string]interface{}{
		"op":      "add",
		"address": string(r.Address),
		"link":    p.id,
		"hops":    hops,
	})
	s.announce(r.Address)
}

// unlearn drops the route to addr through p. Callers hold routeMu.
func (s *Sentinel) unlearn(p *peer, addr envelope.Address) {
	err := s.reg.Deregister(addr, p.id)
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("route removal failed", map[string]interface{}{
			"link":    p.id,
			"address": string(addr),
			"error":   err.Error(),
		})
		return
	}
	s.purgeCache()
	s.logger.RouteChanged("remove", string(addr), p.id, 0)
	s.config.Journal.LogEvent(telemetry.EventRouteChanged, map[string]interface{}{
		"op":      "remove",
		"address": string(addr),
		"link":    p.id,
	})
	s.announce(addr)
}

// announce tells every sentinel peer how far addr is from here now.
// Callers hold routeMu.
func (s *Sentinel) announce(addr envelope.Address) {
	entries, err := s.reg.Lookup(addr)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return
	}
	for _, p := range s.sentinelPeers() {
		s.announceTo(p, addr, entries)
	}
}

// announceTable sends the whole table to a newly greeted peer.
// Callers hold routeMu.
func (s *Sentinel) announceTable(p *peer) {
	all, err := s.reg.List(nil)
	if err != nil {
		return
	}
	byAddr := make(map[envelope.Address][]registry.Entry)
	var order []envelope.Address
	for _, e := range all {
		if _, ok := byAddr[e.Address]; !ok {
			order = append(order, e.Address)
		}
		byAddr[e.Address] = append(byAddr[e.Address], e)
	}

	var routes []envelope.Route
	for _, addr := range order {
		entries := byAddr[addr]
		registry.SortEntries(entries)
		if r, ok := s.bestRouteFor(p, entries); ok {
			routes = append(routes, r)
		}
	}
	if len(routes) == 0 {
		return
	}
	s.send(p, envelope.NewControl(s.addr, envelope.Control{
		Kind:   envelope.ControlRouteAdd,
		Routes: routes,
	}))
}

// announceTo sends p either our best route to addr or its withdrawal. Routes
// learned through p itself are never offered back to it.
func (s *Sentinel) announceTo(p *peer, addr envelope.Address, entries []registry.Entry) {
	kind := envelope.ControlRouteRemove
	route := envelope.Route{Address: addr}
	if r, ok := s.bestRouteFor(p, entries); ok {
		kind = envelope.ControlRouteAdd
		route = r
	}
	s.send(p, envelope.NewControl(s.addr, envelope.Control{
		Kind:   kind,
		Routes: []envelope.Route{route},
	}))
}

// bestRouteFor picks the best entry not reached through p. entries must be
// sorted best first.
func (s *Sentinel) bestRouteFor(p *peer, entries []registry.Entry) (envelope.Route, bool) {
	for _, e := range entries {
		if e.Target.ID == p.id {
			continue
		}
		if e.Target.Hops >= s.config.MaxHops {
			return envelope.Route{}, false
		}
		return envelope.Route{
			Address:      e.Address,
			Capabilities: e.Capabilities,
			Hops:         e.Target.Hops,
		}, true
	}
	return envelope.Route{}, false
}

func (s *Sentinel) send(p *peer, env envelope.Envelope) {
	if !p.enqueue(env) {
		s.logger.EnvelopeDropped(env.ID, p.id, errOutboxFull)
	}
}
