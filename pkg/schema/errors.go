package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeTransform           = "TRANSFORM_ERROR"
	ErrCodeConditionFailedFail = "CONDITION_FAILED_FAIL"
	ErrCodeConditionFailedStop = "CONDITION_FAILED_STOP"
	ErrCodeCoreActionFailure   = "CORE_ACTION_FAILURE"
	ErrCodeWorkflowFailed      = "WORKFLOW_FAILED"
	ErrCodeUnsupportedAction   = "UNSUPPORTED_ACTION"
	ErrCodeUnsupportedAuth     = "UNSUPPORTED_CREDENTIALS"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeQueue               = "QUEUE_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
)

// FlexliError is the structured error type for all engine operations.
type FlexliError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Order   int            `json:"order,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlexliError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Order > 0 {
		return fmt.Sprintf("[%s] action %d: %s", e.Code, e.Order, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *FlexliError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlexliError.
func NewError(code, message string) *FlexliError {
	return &FlexliError{Code: code, Message: message}
}

// NewErrorf creates a new FlexliError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlexliError {
	return &FlexliError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the order of the failing action.
func (e *FlexliError) WithAction(order int) *FlexliError {
	e.Order = order
	return e
}

// WithCause attaches an underlying cause.
func (e *FlexliError) WithCause(err error) *FlexliError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlexliError) WithDetails(details map[string]any) *FlexliError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlexliError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlexliError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
