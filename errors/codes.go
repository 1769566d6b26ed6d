package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a dropped link, a peer that has not acknowledged yet.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown address, invalid task transition.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryRouting indicates that an envelope could never reach its target.
	CategoryRouting ErrorCategory = "routing"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for fabric failures.
const (
	// Routing: the envelope was never reachable.
	ErrCodeUnknownAddress  ErrorCode = "UNKNOWN_ADDRESS"   // Direct address not registered
	ErrCodeNoCapableAgent  ErrorCode = "NO_CAPABLE_AGENT"  // No agent advertises the capability set
	ErrCodeRoutingLoop     ErrorCode = "ROUTING_LOOP"      // Hop budget exhausted

	// Delivery: reachable, but no acknowledgment within the retry budget.
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"

	// Task lifecycle
	ErrCodeDuplicateTask     ErrorCode = "DUPLICATE_TASK"     // Task id already exists
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION" // State machine forbids the move
	ErrCodeTaskTerminal      ErrorCode = "TASK_TERMINAL"      // Task already completed, failed or canceled

	// Handler: reached, but agent business logic failed.
	ErrCodeHandlerError ErrorCode = "HANDLER_ERROR"

	// Generic
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodePanic        ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeUnknownAddress, ErrCodeNoCapableAgent, ErrCodeRoutingLoop:
		return CategoryRouting

	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeDeliveryFailed, ErrCodeDuplicateTask, ErrCodeInvalidTransition,
		ErrCodeTaskTerminal, ErrCodeHandlerError, ErrCodeCanceled,
		ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeUnsupported:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeUnknownAddress:    "unknown address",
	ErrCodeNoCapableAgent:    "no agent provides the requested capabilities",
	ErrCodeRoutingLoop:       "routing loop detected",
	ErrCodeDeliveryFailed:    "delivery failed after retries",
	ErrCodeDuplicateTask:     "task already exists",
	ErrCodeInvalidTransition: "invalid task state transition",
	ErrCodeTaskTerminal:      "task already terminal",
	ErrCodeHandlerError:      "handler failed",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeNotFound:          "resource not found",
	ErrCodeUnsupported:       "operation not supported",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
