package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"unknown_address", ErrCodeUnknownAddress, "no such agent", CategoryRouting},
		{"no_capable", ErrCodeNoCapableAgent, "no math agent", CategoryRouting},
		{"loop", ErrCodeRoutingLoop, "loop", CategoryRouting},
		{"delivery", ErrCodeDeliveryFailed, "unacked", CategoryPermanent},
		{"handler", ErrCodeHandlerError, "boom", CategoryPermanent},
		{"timeout", ErrCodeTimeout, "slow", CategoryTransient},
		{"internal", ErrCodeInternal, "bug", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeRoutingLoop)
	if err.Error() != "routing loop detected" {
		t.Errorf("Error() = %q, want %q", err.Error(), "routing loop detected")
	}
	if ErrorCode("BOGUS").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

// ============================================================================
// 2. Taxonomy constructors
// ============================================================================

func TestConstructors(t *testing.T) {
	if err := UnknownAddress("echo@node"); err.Address() != "echo@node" || !IsRouting(err) {
		t.Errorf("UnknownAddress = %+v", err)
	}
	if err := NoCapableAgent([]string{"math"}); err.Code() != ErrCodeNoCapableAgent {
		t.Errorf("NoCapableAgent code = %v", err.Code())
	}
	err := DeliveryFailed("env-1", 5)
	if err.Metadata()["attempts"] != "5" {
		t.Errorf("attempts metadata = %q, want 5", err.Metadata()["attempts"])
	}
	if IsRouting(err) {
		t.Error("DeliveryFailed must not be a routing error")
	}
	if got := DuplicateTask("t1").TaskID(); got != "t1" {
		t.Errorf("TaskID = %q, want t1", got)
	}
	tr := InvalidTransition("t1", "completed", "canceled")
	if tr.Code() != ErrCodeInvalidTransition {
		t.Errorf("Code = %v", tr.Code())
	}
	if TaskTerminal("t2").TaskID() != "t2" {
		t.Error("TaskTerminal should carry task id")
	}
}

func TestHandlerHidesCauseChain(t *testing.T) {
	cause := fmt.Errorf("divide by zero")
	err := Handler("div", cause, WithTaskID("t9"))
	if err.Unwrap() != nil {
		t.Error("Handler error must not carry the cause chain")
	}
	if err.Error() != "divide by zero" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Operation() != "div" || err.TaskID() != "t9" {
		t.Errorf("Operation/TaskID = %q/%q", err.Operation(), err.TaskID())
	}
}

// ============================================================================
// 3. Retryable
// ============================================================================

func TestRetryable(t *testing.T) {
	if !New(ErrCodeUnavailable, "x").Retryable() {
		t.Error("UNAVAILABLE should be retryable")
	}
	if New(ErrCodeUnknownAddress, "x").Retryable() {
		t.Error("UNKNOWN_ADDRESS should not be retryable")
	}
	if !New(ErrCodeInternal, "x", WithRetryable(true)).Retryable() {
		t.Error("WithRetryable(true) should override category")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

// ============================================================================
// 4. Wrapping
// ============================================================================

func TestWrapPreservesCode(t *testing.T) {
	inner := UnknownAddress("a@b", WithOperation("add"))
	wrapped := Wrap(inner, "resolving")
	if wrapped.Code() != ErrCodeUnknownAddress {
		t.Errorf("Code = %v, want UNKNOWN_ADDRESS", wrapped.Code())
	}
	if wrapped.Operation() != "add" || wrapped.Address() != "a@b" {
		t.Error("Wrap should keep correlation fields")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped should match inner with errors.Is")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Code(Wrap(context.DeadlineExceeded, "x")) != ErrCodeTimeout {
		t.Error("DeadlineExceeded should map to TIMEOUT")
	}
	if Code(Wrap(context.Canceled, "x")) != ErrCodeCanceled {
		t.Error("Canceled should map to CANCELED")
	}
	if Code(Wrap(fmt.Errorf("x"), "y")) != ErrCodeInternal {
		t.Error("plain error should map to INTERNAL")
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("dial"), ErrCodeUnavailable, "link down")
	if !Is(err, ErrCodeUnavailable) {
		t.Error("expected UNAVAILABLE")
	}
	if Cause(err).Error() != "dial" {
		t.Errorf("Cause = %v", Cause(err))
	}
}

func TestAsFabricError(t *testing.T) {
	if AsFabricError(fmt.Errorf("x")) != nil {
		t.Error("plain error should not convert")
	}
	wrapped := fmt.Errorf("outer: %w", NotFound("x"))
	fe := AsFabricError(wrapped)
	if fe == nil || fe.Code() != ErrCodeNotFound {
		t.Errorf("AsFabricError = %v", fe)
	}
	if Category(wrapped) != CategoryPermanent {
		t.Errorf("Category = %v", Category(wrapped))
	}
}

// ============================================================================
// 5. JSON
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := InvalidTransition("t1", "completed", "canceled", WithAddress("a@n"))
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.Code() != orig.Code() || got.TaskID() != "t1" || got.Address() != "a@n" {
		t.Errorf("round trip = %+v", got)
	}
	if got.Retryable() != orig.Retryable() {
		t.Error("Retryable should survive round trip")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic should give nil")
	}
	err := RecoverPanic("oops")
	if err.Code() != ErrCodePanic || err.Error() != "oops" {
		t.Errorf("RecoverPanic = %v", err)
	}
	if err.Metadata()["panic_value"] != "string" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
}
