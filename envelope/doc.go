// Package envelope defines the unit of transmission on the fabric.
//
// An Envelope wraps exactly one Frame (invoke, result, stream item, stream
// end, delivery ack, event, message or link control) with routing metadata:
// source address, destination, correlation id, trace id and a hop budget
// (TTL).
//
// # Destinations
//
// A Destination is exactly one of:
//
//   - a direct Address ("echo@node-1"),
//   - a capability set ({"math"}), matched against advertised capabilities,
//   - a broadcast list of addresses, resolved member by member.
//
// # Acknowledgment
//
// Invoke and Message envelopes require acknowledgment by default; results,
// stream frames, events, acks and control frames do not. WithAck overrides
// the default.
//
//	env, err := envelope.New(
//	    "caller@node-1",
//	    envelope.ToCapabilities("math"),
//	    envelope.Frame{Invoke: &envelope.Invoke{Operation: "add", Args: args}},
//	)
//
// Envelopes are values. Hop, Retarget, Split and Reply return copies.
package envelope
