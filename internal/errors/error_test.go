package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "test_op", "test message")
	expected := "[validation] test_op: test message"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypePersistence, "save_op", "failed to save")
	assert.Contains(t, err.Error(), "[persistence] save_op: failed to save")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeRouting, "shard_for_bucket", "no active shard")
	err = err.WithContext("tenant", "T1").WithContext("shard", 2)

	assert.Equal(t, "T1", err.Context["tenant"])
	assert.Equal(t, 2, err.Context["shard"])
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeValidation, NewValidationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, NewConfigurationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeRouting, NewRoutingError("op", "msg").Type)
	assert.Equal(t, ErrorTypeProtocol, NewProtocolError("op", "msg").Type)
	assert.Equal(t, ErrorTypeTimeout, NewTimeoutError("op", "msg").Type)
}

func TestErrorWrapping(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := WrapPersistenceError(originalErr, "commit", "commit failed")
	assert.Equal(t, ErrorTypePersistence, wrapped.Type)
	assert.Equal(t, "commit", wrapped.Operation)
	assert.Equal(t, "commit failed", wrapped.Message)
	assert.Equal(t, originalErr, wrapped.Unwrap())
	assert.True(t, errors.Is(wrapped, originalErr))

	// Test that Wrap returns nil for nil error
	assert.Nil(t, Wrap(nil, ErrorTypePersistence, "op", "msg"))
}

func TestTypeLookup(t *testing.T) {
	sentinel := errors.New("blacklisted")
	inner := WrapRoutingError(sentinel, "route", "shard unavailable")
	outer := fmt.Errorf("saving order: %w", inner)

	assert.Equal(t, ErrorTypeRouting, TypeOf(outer))
	assert.True(t, IsType(outer, ErrorTypeRouting))
	assert.False(t, IsType(outer, ErrorTypePersistence))
	assert.True(t, errors.Is(outer, sentinel))
	assert.Equal(t, ErrorType(""), TypeOf(sentinel))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	assert.Greater(t, len(err.Stack), 0)
}
