// Package errors provides the error type reported by every datastore operation.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guileen/litepool/logger"
)

// Error codes for different types of errors
const (
	ErrCodeUnknown            = "unknown_error"
	ErrCodeOpen               = "open_error"
	ErrCodeUnsupportedAddress = "unsupported_address"
	ErrCodeParse              = "parse_error"
	ErrCodeQuery              = "query_error"
	ErrCodeStorage            = "storage_error"
	ErrCodeRemote             = "remote_error"
	ErrCodeCancelled          = "cancelled"
	ErrCodeInternal           = "internal_error"
	ErrCodeClosed             = "closed"
)

// EngineError represents a failure reported by the embedded engine.
type EngineError struct {
	Code    string
	Message string
	Op      string
	Err     error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap implements the unwrap interface for error chaining
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// Log logs the error with the global logger
func (e *EngineError) Log(ctx context.Context, level slog.Level) {
	fields := []any{
		"error_code", e.Code,
		"operation", e.Op,
		"message", e.Message,
	}
	if e.Err != nil {
		fields = append(fields, "cause", e.Err.Error())
	}

	switch level {
	case slog.LevelDebug:
		logger.DebugContext(ctx, "Engine error occurred", fields...)
	case slog.LevelInfo:
		logger.InfoContext(ctx, "Engine error occurred", fields...)
	case slog.LevelWarn:
		logger.WarnContext(ctx, "Engine error occurred", fields...)
	default:
		logger.ErrorContext(ctx, "Engine error occurred", fields...)
	}
}

// New creates a new EngineError
func New(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a new EngineError with formatted message
func Errorf(code, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error, keeping its message.
func Wrap(err error, code, op string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: err.Error(),
		Op:      op,
		Err:     err,
	}
}

// Wrapf wraps an existing error with formatted context
func Wrapf(err error, code, op, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Op:      op,
		Err:     err,
	}
}

func NewParseErrorf(format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf(format, args...),
		Op:      "parse",
	}
}

func NewQueryErrorf(op, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    ErrCodeQuery,
		Message: fmt.Sprintf(format, args...),
		Op:      op,
	}
}

// Predefined error variables
var (
	ErrClosed = &EngineError{Code: ErrCodeClosed, Message: "datastore handle is closed"}
)

// CodeOf returns the code of the first EngineError in err's chain, or ErrCodeUnknown.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// IsEngineError reports whether err carries an EngineError.
func IsEngineError(err error) bool {
	var e *EngineError
	return errors.As(err, &e)
}

// IsClosedError checks if an error indicates a closed datastore handle
func IsClosedError(err error) bool {
	return CodeOf(err) == ErrCodeClosed
}

// IsOpenError checks if an error indicates the datastore could not be opened
func IsOpenError(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeOpen || code == ErrCodeUnsupportedAddress
}

// IsParseError checks if an error is a statement parse error
func IsParseError(err error) bool {
	return CodeOf(err) == ErrCodeParse
}

// IsRemoteError checks if an error came from a remote datastore
func IsRemoteError(err error) bool {
	return CodeOf(err) == ErrCodeRemote
}

// LogError logs an error at error level
func LogError(ctx context.Context, err error) {
	var e *EngineError
	if errors.As(err, &e) {
		e.Log(ctx, slog.LevelError)
		return
	}
	logger.ErrorContext(ctx, "Unexpected error occurred", "error", err.Error())
}

// LogDebug logs an error at debug level
func LogDebug(ctx context.Context, err error) {
	var e *EngineError
	if errors.As(err, &e) {
		e.Log(ctx, slog.LevelDebug)
		return
	}
	logger.DebugContext(ctx, "Error occurred", "error", err.Error())
}
