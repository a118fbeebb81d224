package bindingerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValidation_MessageAndField(t *testing.T) {
	err := NewValidation("key", "too long")
	assert.ErrorContains(t, err, "key")
	assert.ErrorContains(t, err, "too long")

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "key", ve.Field)
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("kv entry foo")
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "kv entry foo", nf.Resource)
}

func TestNonRetryableError_Unwraps(t *testing.T) {
	cause := errors.New("boom")
	err := NewNonRetryable(cause)
	assert.ErrorIs(t, err, cause)
}

func TestFatalBindingError_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := NewFatalBinding("r2", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "r2")
}

func TestUserHandlerError_CarriesTraceContext(t *testing.T) {
	cause := errors.New("panic: nil pointer")
	err := NewUserHandlerError("trace-1", "span-1", cause)
	var uhe *UserHandlerError
	assert.True(t, errors.As(err, &uhe))
	assert.Equal(t, "trace-1", uhe.TraceID)
	assert.ErrorIs(t, err, cause)
}

func TestExhaustedError_ReportsAttempts(t *testing.T) {
	err := NewExhausted("step foo", 5)
	var ee *ExhaustedError
	assert.True(t, errors.As(err, &ee))
	assert.Equal(t, 5, ee.Attempts)
}
