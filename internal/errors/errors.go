package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Error types for the failure classes the routing layer distinguishes
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeRouting       ErrorType = "routing"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeProtocol      ErrorType = "protocol"
	ErrorTypeTimeout       ErrorType = "timeout"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context.
// Callers that return the result as an error must check err for nil first.
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the type of the outermost StructuredError in the chain, or "" when
// the chain holds none.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}

// IsType reports whether any StructuredError in the chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		if se, ok := err.(*StructuredError); ok && se.Type == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// NewRoutingError creates a routing error
func NewRoutingError(operation, message string) *StructuredError {
	return New(ErrorTypeRouting, operation, message)
}

// NewProtocolError creates a protocol-misuse error
func NewProtocolError(operation, message string) *StructuredError {
	return New(ErrorTypeProtocol, operation, message)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation, message string) *StructuredError {
	return New(ErrorTypeTimeout, operation, message)
}

// WrapValidationError wraps an error as a validation error
func WrapValidationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeValidation, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}

// WrapRoutingError wraps an error as a routing error
func WrapRoutingError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeRouting, operation, message)
}

// WrapPersistenceError wraps an error as a persistence error
func WrapPersistenceError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypePersistence, operation, message)
}

// WrapProtocolError wraps an error as a protocol-misuse error
func WrapProtocolError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeProtocol, operation, message)
}

// WrapTimeoutError wraps an error as a timeout error
func WrapTimeoutError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeTimeout, operation, message)
}
