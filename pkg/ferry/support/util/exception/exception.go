// Package exception provides custom error types and error handling utilities for Pulseferry.
// It standardizes errors raised along the delivery pipeline so that callers can
// classify them as retryable (defer and try again) or fatal (count toward dead-lettering).
package exception

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// errorRegistry maps well-known error names to concrete Go error instances.
// It holds error instances (singletons) for comparison using errors.Is.
var errorRegistry = make(map[string]error)

// registryMutex protects access to errorRegistry.
var registryMutex sync.RWMutex

// RegisterErrorType registers an error type in the registry.
// Registered error types are referenced by IsErrorOfType and used for
// failure classification in the delivery engine.
//
// name: A unique identifier for the error type.
// prototype: An instance of the error to be registered. Used for comparison with errors.Is.
//
// If prototype is nil or name is empty, this function will panic.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}

	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered checks if the specified error type name is registered in the registry.
func IsErrorTypeRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// PipelineError is a custom error type raised along the delivery pipeline.
// It holds the module where the error occurred, a message, the wrapped original
// error, and a flag indicating whether the failure is retryable.
type PipelineError struct {
	// Module indicates the module where the error occurred (e.g. "queue", "codec", "sink").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// isRetryable indicates whether the operation may succeed on a later attempt.
	isRetryable bool
	// StackTrace is the stack trace at the time of the error (for debugging).
	StackTrace string
}

// NewPipelineError creates a new PipelineError instance.
// module: The module where the error occurred.
// message: The error message.
// originalErr: The original error to wrap.
// isRetryable: Whether this error is retryable.
// Returns: A new PipelineError instance.
func NewPipelineError(module, message string, originalErr error, isRetryable bool) *PipelineError {
	// Capture stack trace (for debugging purposes)
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	stackTrace := string(buf[:n])

	return &PipelineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		isRetryable: isRetryable,
		StackTrace:  stackTrace,
	}
}

// NewPipelineErrorf creates a new PipelineError instance using a format string.
// An optional flag and an error are extracted from the end of the variadic
// arguments 'a' in the order: [isRetryable bool], [originalErr error].
// The remaining arguments are used for fmt.Sprintf.
//
// Examples:
// NewPipelineErrorf("queue", "failed to persist batch %s", "b-123", true, io.ErrShortWrite)
// -> message: "failed to persist batch b-123", isRetryable: true, originalErr: io.ErrShortWrite
//
// NewPipelineErrorf("codec", "chunk index out of range", false)
// -> message: "chunk index out of range", isRetryable: false, originalErr: nil
func NewPipelineErrorf(module, format string, a ...interface{}) *PipelineError {
	var originalErr error
	isRetryable := false
	args := a

	// Check arguments from the end and extract the error and the retryable flag in order
	// 1. originalErr (last)
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}

	// 2. isRetryable (second to last)
	if len(args) > 0 {
		if b, ok := args[len(args)-1].(bool); ok {
			isRetryable = b
			args = args[:len(args)-1]
		}
	}

	// Format the message with the remaining arguments
	message := fmt.Sprintf(format, args...)

	// Capture stack trace (for debugging purposes)
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	stackTrace := string(buf[:n])

	return &PipelineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		isRetryable: isRetryable,
		StackTrace:  stackTrace,
	}
}

// PayloadRejectedException is a constant naming the remote-rejection error type.
const PayloadRejectedException = "PayloadRejectedException"

// NewPayloadRejectedError creates a PipelineError indicating the remote sink
// rejected the payload outright (a client-side defect, e.g. HTTP 4xx).
// Rejections are never retryable; repeating the same payload cannot succeed.
// module: The module where the error occurred.
// message: The error message.
// originalErr: The original error to wrap.
// Returns: A new PipelineError instance.
func NewPayloadRejectedError(module, message string, originalErr error) *PipelineError {
	var errToWrap error
	if originalErr != nil {
		errToWrap = errors.Join(ErrPayloadRejected, originalErr)
	} else {
		errToWrap = ErrPayloadRejected
	}

	return NewPipelineError(module, message, errToWrap, false)
}

// Error implements the error interface.
// It returns the error's module, message, and the string representation of the original error.
func (e *PipelineError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *PipelineError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns whether this error is retryable.
func (e *PipelineError) IsRetryable() bool {
	return e.isRetryable
}

// IsPipelineError determines if the given error is of type PipelineError.
func IsPipelineError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*PipelineError)
	return ok
}

// IsTemporary determines if an error is temporary (e.g. network error, sink outage).
// This function is used by retry logic.
// If it's a PipelineError, its IsRetryable flag takes precedence.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	// Prioritize the IsRetryable flag of PipelineError.
	if pe, ok := err.(*PipelineError); ok {
		return pe.IsRetryable()
	}
	// net.Error exposes an explicit timeout signal.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Other common temporary error detection (string based, matching what the
	// standard library and drivers actually produce).
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "EOF")
}

// IsFatal determines if an error is fatal (retrying the same input cannot succeed).
// If it's a PipelineError, its flag takes precedence.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	// Prioritize the flag of PipelineError.
	if pe, ok := err.(*PipelineError); ok {
		return !pe.IsRetryable()
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid argument") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "malformed")
}

// IsErrorOfType checks if an error matches a specified type name (string).
// errorTypeName can be a Go error type name (e.g. "*net.OpError", "io.EOF") or a
// substring of an error message (e.g. "connection refused").
// It checks in order: registered sentinel errors (errors.Is), substring of error
// message, and type name comparison using reflection.
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil {
		return false
	}

	// 1. Comparison with registered sentinel errors using errors.Is
	registryMutex.RLock()
	targetError, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()

	if ok {
		if errors.Is(err, targetError) {
			return true
		}
	}

	// 2. Traverse the error chain and compare by substring of error message or type name
	currentErr := err
	for currentErr != nil {
		// 2-1. Comparison by substring of error message
		if strings.Contains(currentErr.Error(), errorTypeName) {
			return true
		}

		// 2-2. Comparison by type name (using reflection)
		errType := reflect.TypeOf(currentErr)
		if errType != nil {
			if errType.String() == errorTypeName || (errType.Kind() == reflect.Ptr && errType.Elem().String() == errorTypeName) {
				return true
			}
		}

		currentErr = errors.Unwrap(currentErr)
	}

	return false
}

// ErrPayloadRejected is a sentinel error indicating the remote sink rejected the payload.
var ErrPayloadRejected = errors.New(PayloadRejectedException)

func init() {
	// Register sentinel errors so that errors.Is can detect them by constant name.
	RegisterErrorType(PayloadRejectedException, ErrPayloadRejected)

	// Common network-related error names
	RegisterErrorType("io.EOF", errors.New("io.EOF"))
	RegisterErrorType("net.OpError", errors.New("net.OpError"))
	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorType("context.Canceled", context.Canceled)

	// Common database-related error names
	RegisterErrorType("sql.ErrNoRows", sql.ErrNoRows)
}

// IsPayloadRejected determines if an error indicates the remote sink rejected the payload.
func IsPayloadRejected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPayloadRejected)
}

// ExtractErrorMessage extracts the error message string from an error.
// For PipelineError, it returns the cleaner Message field.
// Otherwise, it returns the standard Error() string.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if pe, ok := err.(*PipelineError); ok {
		return pe.Message
	}
	return err.Error()
}
