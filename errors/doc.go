// Package errors provides the structured error taxonomy shared by every
// fabric component. Errors carry a code, a category and enough correlation
// context (address, task id, operation) to be matched to the request that
// produced them on the other side of the fabric.
//
// # Categories
//
//   - Routing: the envelope was never reachable (UNKNOWN_ADDRESS,
//     NO_CAPABLE_AGENT, ROUTING_LOOP).
//   - Transient: temporary failures where retry may succeed.
//   - Permanent: failures where retry will not help, including
//     DELIVERY_FAILED (reachable but never acknowledged) and HANDLER_ERROR
//     (reached but the handler failed).
//   - Internal: unexpected errors and recovered panics.
//
// A caller can therefore distinguish "never reachable" from "timed out after
// retries" from "handler failed" by inspecting the code:
//
//	switch errors.Code(err) {
//	case errors.ErrCodeUnknownAddress, errors.ErrCodeNoCapableAgent:
//	    // never reachable
//	case errors.ErrCodeDeliveryFailed:
//	    // reachable, unacknowledged
//	case errors.ErrCodeHandlerError:
//	    // handler failed
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so they can be carried inside result frames:
//
//	data, err := json.Marshal(fabricErr)
package errors
