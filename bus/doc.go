// Package bus provides message bus clients for fabric traffic and
// heartbeats.
//
// # Overview
//
// The MessageBus interface enables pub/sub and request/reply patterns. All
// implementations use channel-based APIs for Go-idiomatic concurrent use.
//
// # Available Implementations
//
//   - NATSBus: NATS core messaging
//   - AMQPBus: RabbitMQ, subjects mapped onto a topic exchange
//   - MemoryBus: in-memory implementation for testing and single-process use
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions accept "*" for one token
// and a trailing ">" for the rest:
//
//	sub, _ := b.Subscribe("heartbeat.*")
//	sub, _ := b.Subscribe("fabric.up.>")
//
// # Envelope Links
//
// Link carries fabric envelopes over a bus, so a node can attach to a
// sentinel without a direct connection. Each node owns two subjects:
//
//	<prefix>.up.<node>    node to sentinel
//	<prefix>.down.<node>  sentinel to node
//
// The sentinel side listens like a network server:
//
//	ln, _ := bus.Listen(b, bus.LinkConfig{Prefix: "fabric"})
//	for {
//	    link, err := ln.Accept(ctx)
//	    if err != nil {
//	        break
//	    }
//	    go sentinel.Attach(ctx, link)
//	}
//
// and a node dials:
//
//	link, _ := bus.DialLink(b, nodeID, bus.LinkConfig{Prefix: "fabric"})
//
// Bus delivery is best effort; the fabric's acknowledgments and retries sit
// on top.
//
// # Queue Groups
//
// Queue subscriptions balance messages across members: each message goes to
// exactly one subscriber of the group.
package bus
