package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	verr := NewValidationError("plan_id", "plan is required")
	nerr := NewNotFoundError("subscription", 42)
	perr := NewProcessorError("create_charge", errors.New("card declined"))
	serr := NewSignatureError(errors.New("bad signature"))

	assert.True(t, IsValidation(verr))
	assert.False(t, IsValidation(nerr))

	assert.True(t, IsNotFound(nerr))
	assert.False(t, IsNotFound(perr))

	assert.True(t, IsProcessor(perr))
	assert.False(t, IsProcessor(serr))

	assert.True(t, IsSignature(serr))
	assert.False(t, IsSignature(verr))
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	inner := NewProcessorError("cancel_subscription", errors.New("timeout"))
	wrapped := fmt.Errorf("sweep item failed: %w", inner)

	assert.True(t, IsProcessor(wrapped))
	assert.False(t, IsValidation(wrapped))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation: plan_id: plan is required",
		NewValidationError("plan_id", "plan is required").Error())
	assert.Equal(t, "validation: bad request",
		NewValidationError("", "bad request").Error())
	assert.Equal(t, "subscription 42 not found",
		NewNotFoundError("subscription", 42).Error())
	assert.Contains(t, NewProcessorError("get_invoice", errors.New("boom")).Error(), "get_invoice")
}

func TestProcessorErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewProcessorError("get_subscription", cause)
	assert.ErrorIs(t, err, cause)
}
