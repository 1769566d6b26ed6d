// Package sentinel implements the routing tier of the fabric.
//
// A sentinel holds a routing table and a set of attached links. Nodes attach
// to announce the agents they serve; other sentinels attach as peers to form
// a mesh. Every envelope arriving on a link is resolved against the table and
// relayed toward its destination with its hop budget decremented.
//
// # Links
//
// Any transport.Link can be attached. The sentinel listens for WebSocket
// links (it is an http.Handler), length-prefixed TCP streams (ServeTCP) and
// links carried over a message bus (ServeBus), and dials peers by URL:
//
//	s, err := sentinel.New(sentinel.Config{ID: "edge-1"})
//	go http.ListenAndServe(":8700", s)
//	go s.MaintainPeer(ctx, "ws://core-1:8700/")
//
// The first frame each side sends is a hello naming its node id and role.
// Envelopes that arrive before the hello are dropped.
//
// # Routes
//
// Nodes announce their agents with route_add and withdraw them with
// route_remove; everything announced over a link is withdrawn when the link
// ends. A sentinel passes its best route to each address on to its peers,
// one hop further, and never offers a route back over the link it came from.
// Routes MaxHops away or more are not passed on.
//
// # Forwarding
//
//   - A direct address goes to its best route.
//   - A capability set goes to the match picked by the selection policy and
//     is readdressed to it. First-match selections are cached until the
//     table changes.
//   - A broadcast is split and each member routed on its own. Members that
//     cannot be routed are dropped without failing the rest.
//   - An envelope with no route is handed to the first sentinel peer other
//     than the one it came from.
//   - When nothing can take it, or its hop budget is spent, the source gets
//     a negative acknowledgment carrying UNKNOWN_ADDRESS, NO_CAPABLE_AGENT
//     or ROUTING_LOOP, provided it asked for an acknowledgment.
//
// Each sentinel also answers at its own address, "sentinel@<id>": the
// "routes" operation returns its routing table.
//
// # Liveness
//
// Links over a message bus have no connection to lose. WatchHeartbeats ties
// a heartbeat.Monitor to the sentinel so that nodes presumed dead have their
// links closed and their routes withdrawn.
package sentinel
