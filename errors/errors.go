package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// FabricError is implemented by every structured error crossing the fabric.
type FabricError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	// Retryable reports whether repeating the operation may succeed.
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Correlation ties an error to the envelope traffic that produced it. All
// fields are optional.
type Correlation struct {
	Address   string `json:"address,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Error is the concrete FabricError.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error
	metadata map[string]string
	corr     Correlation
	at       time.Time

	// retryable overrides the category default when set.
	retryable *bool
}

var (
	_ FabricError      = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Option configures an Error.
type Option func(*Error)

func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

func WithAddress(addr string) Option {
	return func(e *Error) { e.corr.Address = addr }
}

func WithTaskID(id string) Option {
	return func(e *Error) { e.corr.TaskID = id }
}

func WithOperation(op string) Option {
	return func(e *Error) { e.corr.Operation = op }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error in the default category of code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
		at:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error carrying the code's description as message.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy of the metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// Timestamp is when the error was created.
func (e *Error) Timestamp() time.Time { return e.at }

func (e *Error) Correlation() Correlation { return e.corr }
func (e *Error) Address() string          { return e.corr.Address }
func (e *Error) TaskID() string           { return e.corr.TaskID }
func (e *Error) Operation() string        { return e.corr.Operation }

// wireError is the JSON form. The cause chain is flattened to its text.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Correlation
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:        e.code,
		Category:    e.category,
		Message:     e.message,
		Retryable:   e.Retryable(),
		Metadata:    e.metadata,
		Timestamp:   e.at,
		Correlation: e.corr,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		metadata:  w.Metadata,
		corr:      w.Correlation,
		at:        w.Timestamp,
		retryable: &w.Retryable,
	}
	if w.Cause != "" {
		e.cause = New(ErrCodeInternal, w.Cause)
	}
	return nil
}

// UnknownAddress reports a direct address with no registered target.
func UnknownAddress(addr string, opts ...Option) *Error {
	return New(ErrCodeUnknownAddress, "unknown address "+addr,
		append([]Option{WithAddress(addr)}, opts...)...)
}

// NoCapableAgent reports a capability set no registered agent satisfies.
func NoCapableAgent(caps []string, opts ...Option) *Error {
	return New(ErrCodeNoCapableAgent, fmt.Sprintf("no agent provides capabilities %v", caps), opts...)
}

// RoutingLoop reports an envelope whose hop budget ran out.
func RoutingLoop(envelopeID string, opts ...Option) *Error {
	return New(ErrCodeRoutingLoop, "envelope "+envelopeID+" exceeded hop budget",
		append([]Option{WithMetadata("envelope_id", envelopeID)}, opts...)...)
}

// DeliveryFailed reports an envelope that was never acknowledged.
func DeliveryFailed(envelopeID string, attempts int, opts ...Option) *Error {
	n := strconv.Itoa(attempts)
	return New(ErrCodeDeliveryFailed, "envelope "+envelopeID+" not acknowledged after "+n+" attempts",
		append([]Option{WithMetadata("envelope_id", envelopeID), WithMetadata("attempts", n)}, opts...)...)
}

func DuplicateTask(taskID string, opts ...Option) *Error {
	return New(ErrCodeDuplicateTask, "task "+taskID+" already exists",
		append([]Option{WithTaskID(taskID)}, opts...)...)
}

// InvalidTransition reports a forbidden task state change.
func InvalidTransition(taskID, from, to string, opts ...Option) *Error {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("task %s cannot move from %s to %s", taskID, from, to),
		append([]Option{WithTaskID(taskID)}, opts...)...)
}

// TaskTerminal reports a mutation of a finished task.
func TaskTerminal(taskID string, opts ...Option) *Error {
	return New(ErrCodeTaskTerminal, "task "+taskID+" is already terminal",
		append([]Option{WithTaskID(taskID)}, opts...)...)
}

// Handler wraps a failure raised by agent business logic. Only the
// message of cause crosses the fabric boundary.
func Handler(operation string, cause error, opts ...Option) *Error {
	msg := "handler failed"
	if cause != nil {
		msg = cause.Error()
	}
	return New(ErrCodeHandlerError, msg, append([]Option{WithOperation(operation)}, opts...)...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
