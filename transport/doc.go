// Package transport carries fabric envelopes between nodes and sentinels.
//
// # Overview
//
// A Link is a bidirectional, ordered channel of envelopes. Links on byte
// transports serialize envelopes with a codec.Codec, so the same link code
// works with JSON, CBOR or a compressed codec.
//
// # Available Links
//
//   - PipeLink: in-process pair, no encoding (tests, embedded sentinels)
//   - WebSocketLink: one envelope per WebSocket message
//   - StreamLink: length-prefixed frames over a byte stream (TCP)
//
// # Usage
//
// All links follow the same pattern:
//
//	link, err := transport.DialWebSocket(ctx, "ws://localhost:9000/fabric", transport.DefaultWebSocketConfig())
//	if err != nil {
//	    return err
//	}
//	go link.Run(ctx)
//
//	for env := range link.Recv() {
//	    // dispatch env
//	}
//
// Send queues an envelope and returns immediately; envelopes queued before
// Close are flushed while the link is running.
//
// # Framing
//
// StreamLink writes a 4-byte big-endian length before every encoded envelope.
// Frames larger than Config.MaxMessageSize end the link, since the stream
// cannot be resynchronized.
//
// # Thread Safety
//
// Send, Close and Recv are safe for concurrent use. Run must be called once.
package transport
