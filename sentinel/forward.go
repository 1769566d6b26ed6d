package sentinel

import (
	"encoding/json"
	"errors"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/registry"
	"github.com/vinayprograms/agentfabric/telemetry"
)

var errOutboxFull = errors.New("link outbox full")

// forward relays env from ingress toward its destination. Broadcasts are
// split so each member is routed on its own; an unroutable member is
// dropped without failing the others.
func (s *Sentinel) forward(ingress *peer, env envelope.Envelope) {
	if env.To.Kind() == envelope.DestBroadcast {
		for _, member := range env.Split() {
			s.forwardOne(ingress, member, false)
		}
		return
	}
	s.forwardOne(ingress, env, true)
}

// forwardOne routes a single-destination envelope. When nack is set, a
// routing failure is reported to the source if it asked for an ack.
func (s *Sentinel) forwardOne(ingress *peer, env envelope.Envelope, nack bool) {
	if env.To.Address == s.addr {
		s.handleLocal(ingress, env)
		return
	}

	hopped, ok := env.Hop()
	if !ok {
		s.reject(ingress, env, ferrors.RoutingLoop(env.ID), nack)
		return
	}

	match, err := s.route(env.To, ingress)
	if err != nil {
		s.reject(ingress, env, err, nack)
		return
	}
	if match.Target.Kind == registry.TargetLocal {
		s.handleLocal(ingress, env)
		return
	}
	if env.To.Kind() == envelope.DestCapabilities && !match.Fallback {
		hopped = hopped.Retarget(match.Address)
	}

	out, ok := s.peer(match.Target.ID)
	if !ok {
		s.purgeCache()
		s.reject(ingress, env, ferrors.UnknownAddress(env.To.String()), nack)
		return
	}

	_, span := s.config.Tracer.StartForwardSpan(s.ctx, hopped, out.id)
	if !out.enqueue(hopped) {
		s.config.Tracer.EndSpan(span, errOutboxFull)
		s.logger.EnvelopeDropped(env.ID, env.To.String(), errOutboxFull)
		s.config.Journal.LogEvent(telemetry.EventDropped, telemetry.EnvelopeData(env, map[string]interface{}{
			"link":  out.id,
			"error": errOutboxFull.Error(),
		}))
		return
	}
	s.config.Tracer.EndSpan(span, nil)
	s.logger.EnvelopeForwarded(env.ID, env.To.String(), out.id, hopped.TTL)
	s.config.Journal.LogEvent(telemetry.EventForwarded, telemetry.EnvelopeData(hopped, map[string]interface{}{
		"from": ingress.id,
		"link": out.id,
	}))
}

// route resolves dest to a target other than the ingress sentinel. With
// no usable route it falls back to the first other sentinel peer.
func (s *Sentinel) route(dest envelope.Destination, ingress *peer) (registry.Match, error) {
	match, err := s.resolve(dest)
	if err == nil && match.Target.ID == ingress.id && ingress.isSentinel() {
		match, err = s.alternative(dest, ingress)
	}
	if err == nil {
		return match, nil
	}
	if !ferrors.IsRouting(err) {
		return registry.Match{}, err
	}
	for _, p := range s.sentinelPeers() {
		if p.id != ingress.id {
			return registry.Match{
				Address:  dest.Address,
				Target:   registry.Target{Kind: registry.TargetLink, ID: p.id},
				Fallback: true,
			}, nil
		}
	}
	return registry.Match{}, err
}

// resolve selects a target for dest, memoizing the selection unless the
// policy rotates.
func (s *Sentinel) resolve(dest envelope.Destination) (registry.Match, error) {
	cacheable := s.resolver.Policy() == registry.SelectFirst
	key := dest.String()
	if cacheable {
		if m, ok := s.cache.Get(key); ok {
			return m, nil
		}
	}
	m, err := s.resolver.Select(dest)
	if err != nil {
		return registry.Match{}, err
	}
	if cacheable {
		s.cache.Add(key, m)
	}
	return m, nil
}

// alternative finds a target for dest that does not lead back through
// ingress.
func (s *Sentinel) alternative(dest envelope.Destination, ingress *peer) (registry.Match, error) {
	var entries []registry.Entry
	var err error
	var notFound error
	if dest.Kind() == envelope.DestAddress {
		entries, err = s.reg.Lookup(dest.Address)
		notFound = ferrors.UnknownAddress(string(dest.Address))
	} else {
		entries, err = s.reg.FindByCapabilities(dest.Capabilities)
		caps := make([]string, len(dest.Capabilities))
		for i, c := range dest.Capabilities {
			caps[i] = string(c)
		}
		notFound = ferrors.NoCapableAgent(caps)
	}
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return registry.Match{}, ferrors.Wrap(err, "lookup "+dest.String())
	}
	for _, e := range entries {
		if e.Target.ID != ingress.id {
			return registry.Match{Address: e.Address, Target: e.Target}, nil
		}
	}
	return registry.Match{}, notFound
}

// reject logs a routing failure and, when asked, sends the source a
// negative ack carrying the failure back over the ingress link.
func (s *Sentinel) reject(ingress *peer, env envelope.Envelope, err error, nack bool) {
	s.logger.EnvelopeDropped(env.ID, env.To.String(), err)
	s.config.Journal.LogEvent(telemetry.EventDropped, telemetry.EnvelopeData(env, map[string]interface{}{
		"from":  ingress.id,
		"error": err.Error(),
	}))
	if !nack || !env.RequiresAck {
		return
	}
	ack, aerr := env.Ack(s.addr, envelope.FaultFrom(err))
	if aerr != nil {
		return
	}
	s.send(ingress, ack)
}

// handleLocal answers envelopes addressed to the sentinel itself.
func (s *Sentinel) handleLocal(ingress *peer, env envelope.Envelope) {
	if env.RequiresAck {
		if ack, err := env.Ack(s.addr, nil); err == nil {
			s.send(ingress, ack)
		}
	}
	inv := env.Frame.Invoke
	if inv == nil {
		return
	}

	var result envelope.Result
	switch inv.Operation {
	case OpRoutes:
		routes, err := s.routeList()
		if err != nil {
			result.Fault = envelope.FaultFrom(err)
			break
		}
		value, err := json.Marshal(routes)
		if err != nil {
			result.Fault = envelope.FaultFrom(err)
			break
		}
		result.Value = value
	default:
		result.Fault = envelope.FaultFrom(ferrors.New(ferrors.ErrCodeUnsupported,
			"sentinel has no operation "+inv.Operation,
			ferrors.WithOperation(inv.Operation)))
	}

	if inv.Streaming {
		end := &envelope.StreamEnd{Fault: result.Fault}
		if result.Fault == nil {
			item, err := env.Reply(s.addr, envelope.Frame{StreamItem: &envelope.StreamItem{Seq: 0, Value: result.Value}})
			if err == nil {
				s.send(ingress, item)
			}
			end.Count = 1
		}
		if reply, err := env.Reply(s.addr, envelope.Frame{StreamEnd: end}); err == nil {
			s.send(ingress, reply)
		}
		return
	}
	if reply, err := env.Reply(s.addr, envelope.Frame{Result: &result}); err == nil {
		s.send(ingress, reply)
	}
}

// routeList renders the routing table as route announcements.
func (s *Sentinel) routeList() ([]envelope.Route, error) {
	entries, err := s.reg.List(nil)
	if err != nil {
		return nil, err
	}
	out := make([]envelope.Route, 0, len(entries))
	for _, e := range entries {
		out = append(out, envelope.Route{
			Address:      e.Address,
			Capabilities: e.Capabilities,
			Hops:         e.Target.Hops,
		})
	}
	return out, nil
}
