package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a FabricError, the code and correlation fields are kept.
// Context errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		wrapped := &Error{
			code:      fe.code,
			category:  fe.category,
			message:   message,
			cause:     err,
			metadata:  fe.Metadata(),
			retryable: fe.retryable,
			at:        fe.at,
			corr:      fe.corr,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsFabricError extracts a FabricError from an error chain, or nil.
func AsFabricError(err error) FabricError {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.code == code
	}
	return false
}

// IsCategory checks if the outermost *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// IsRouting reports whether err means the target was never reachable.
func IsRouting(err error) bool {
	return IsCategory(err, CategoryRouting)
}

// Code extracts the error code from an error, or "" for plain errors.
func Code(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.code
	}
	return ""
}

// Category extracts the error category from an error, or "" for plain errors.
func Category(err error) ErrorCategory {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
