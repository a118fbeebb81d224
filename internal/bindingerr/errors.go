// Package bindingerr defines the error kinds shared by every stateful binding.
// Each kind is a distinct type so that callers can discriminate with errors.As
// and so the HTTP boundary can map them to a stable status code.
package bindingerr

import "fmt"

// ValidationError signals a malformed request: bad key, oversized value,
// unsupported type, TTL out of range. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError signals an absent key or resource. Bindings that return this
// as a Go error do so only in contexts where Go has no "undefined" sentinel
// to hand back (e.g. the object-store multipart API); KV/object-store/cache
// lookups instead hand back a (value, bool) pair.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

func NewNotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// PreconditionFailedError signals that a conditional operation's onlyIf
// clause did not hold. Object-store put returns this as a sentinel the
// caller turns into a nil result, not a propagated error.
type PreconditionFailedError struct {
	Condition string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Condition)
}

func NewPreconditionFailed(condition string) error {
	return &PreconditionFailedError{Condition: condition}
}

// ExhaustedError signals that a queue message or workflow step ran out of
// retry budget.
type ExhaustedError struct {
	Resource string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted after %d attempts: %s", e.Attempts, e.Resource)
}

func NewExhausted(resource string, attempts int) error {
	return &ExhaustedError{Resource: resource, Attempts: attempts}
}

// NonRetryableError is raised by workflow step code to skip the retry policy
// entirely and error the instance immediately.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Cause)
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

func NewNonRetryable(cause error) error {
	return &NonRetryableError{Cause: cause}
}

// FatalBindingError means the binding itself cannot operate (missing
// configuration, unreachable backing file). Surfaced to the caller verbatim;
// callers must not log this into the inspection tables since the binding
// itself may not be able to reach them.
type FatalBindingError struct {
	Binding string
	Cause   error
}

func (e *FatalBindingError) Error() string {
	return fmt.Sprintf("binding %s unavailable: %v", e.Binding, e.Cause)
}

func (e *FatalBindingError) Unwrap() error { return e.Cause }

func NewFatalBinding(binding string, cause error) error {
	return &FatalBindingError{Binding: binding, Cause: cause}
}

// UserHandlerError wraps a panic/error raised by user handler code, carrying
// the trace/span ids active when it happened so it can be recorded alongside
// them in the error table.
type UserHandlerError struct {
	TraceID string
	SpanID  string
	Cause   error
}

func (e *UserHandlerError) Error() string {
	return fmt.Sprintf("user handler error (trace=%s span=%s): %v", e.TraceID, e.SpanID, e.Cause)
}

func (e *UserHandlerError) Unwrap() error { return e.Cause }

func NewUserHandlerError(traceID, spanID string, cause error) error {
	return &UserHandlerError{TraceID: traceID, SpanID: spanID, Cause: cause}
}
