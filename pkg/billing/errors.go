package billing

import (
	"errors"
	"fmt"
)

// ValidationError indicates bad input from the caller. It is surfaced
// synchronously and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError indicates a referenced entity does not exist locally.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError for a resource.
func NewNotFoundError(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ProcessorError indicates the external payment processor call failed or
// returned a processor-level error. Synchronous callers receive it typed;
// background sweeps log it and skip the affected subscription.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor: %s: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// NewProcessorError wraps a failed processor call.
func NewProcessorError(op string, err error) *ProcessorError {
	return &ProcessorError{Op: op, Err: err}
}

// SignatureError indicates webhook payload authentication failed. The
// request is rejected outright and no state is mutated.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// NewSignatureError wraps a failed signature check.
func NewSignatureError(err error) *SignatureError {
	return &SignatureError{Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// IsProcessor reports whether err is a ProcessorError.
func IsProcessor(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}

// IsSignature reports whether err is a SignatureError.
func IsSignature(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}
