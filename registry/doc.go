// Package registry provides the routing table and address resolution of the
// fabric.
//
// # Routing Table
//
// A Registry stores Entry values keyed by (address, target id). The same
// address may be reachable through several targets, for example directly on
// the local node and through a peer sentinel; Lookup returns them best first
// (fewest hops, local before link).
//
// Two implementations are provided:
//
//   - MemoryRegistry: in-process table used by every node and sentinel.
//   - NATSRegistry: JetStream KV backed table shared by sentinel replicas.
//
// # Resolution
//
// Resolver turns an envelope destination into targets:
//
//	res := registry.NewResolver(reg,
//	    registry.WithPolicy(registry.SelectRoundRobin),
//	    registry.WithFallback(upstream),
//	)
//	match, err := res.Select(envelope.ToCapabilities("math"))
//
// Capability matches are ordered by address, so repeated resolution of the
// same capability set against an unchanged table returns the same list. The
// default SelectFirst policy always picks the first; SelectRoundRobin
// rotates deterministically and restarts when the match set changes.
//
// When nothing matches locally the fallback hook (if any) supplies the next
// hop, normally the link toward a sentinel. Otherwise resolution fails with
// UNKNOWN_ADDRESS or NO_CAPABLE_AGENT from the errors package.
//
// # Watching
//
// Watch delivers added/updated/removed events; sentinels use them to keep
// route caches and peer announcements current.
package registry
