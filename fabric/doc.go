// Package fabric is the node side of the agent fabric: it serves agents,
// calls agents elsewhere and keeps the link to a sentinel.
//
// # Serving
//
// Any value implementing one or more of the handler interfaces can be
// served. Its operations are read once, when it is served:
//
//	type calculator struct{}
//
//	func (calculator) Operations() fabric.Operations {
//		return fabric.Operations{
//			"add": fabric.Unary(func(ctx context.Context, in [2]int) (int, error) {
//				return in[0] + in[1], nil
//			}),
//		}
//	}
//
//	f, _ := fabric.New(fabric.WithUpstreamURL("ws://sentinel:8700/"))
//	addr, _ := f.Serve(ctx, calculator{}, fabric.ServeOptions{
//		Capabilities: []envelope.Capability{"math"},
//	})
//
// A plain function is served with HandlerFunc and answers run_task.
// TaskAgent exposes a tasks.Manager as start_task, get_task_status,
// subscribe_to_task_updates, cancel_task and register_push_endpoint.
//
// # Calling
//
// Proxies address an agent directly or by capability:
//
//	sum, err := f.RemoteByCapabilities([]envelope.Capability{"math"}).Call(ctx, "add", [2]int{3, 4})
//
// Invokes and messages are retransmitted on the node's retry schedule until
// the receiving node acknowledges them. Receivers remember recent envelope
// ids and acknowledge a retransmission without handling it again, and a
// call completes on its first result, so a caller sees one response per
// call. Call errors tell apart a destination that could not be routed
// (UNKNOWN_ADDRESS, NO_CAPABLE_AGENT, ROUTING_LOOP), one that never
// acknowledged (DELIVERY_FAILED) and an agent that failed (HANDLER_ERROR).
//
// Streams deliver items in sequence order through a bounded buffer; a slow
// consumer holds up its link rather than growing memory.
//
// # State
//
// State and Records give agents persisted values in the node's store. A
// durable store (SQLite, Redis, NATS) carries them across restarts.
package fabric
