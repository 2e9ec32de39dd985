package batch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes batch errors. Item-level codes are recorded on the
// failed item; the others are returned to callers.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "validation"
	CodeNotFound       ErrorCode = "not_found"
	CodeNotTerminal    ErrorCode = "not_terminal"
	CodeTransfer       ErrorCode = "transfer"
	CodeProcessing     ErrorCode = "processing"
	CodeMethodUnavail  ErrorCode = "method_unavailable"
	CodeSettlement     ErrorCode = "settlement"
	CodeInfrastructure ErrorCode = "infrastructure"
	CodeInternal       ErrorCode = "internal"
)

// FieldError points at one offending field of a submission.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single error type used across the engine. It supports
// errors.Is/errors.As through Unwrap.
type Error struct {
	Code    ErrorCode
	Message string
	Fields  []FieldError
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, &batch.Error{Code: batch.CodeNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code of the outermost *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ValidationError reports one or more field-level problems with a submission.
func ValidationError(fields ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: "invalid batch submission", Fields: fields}
}

func NotFoundError(batchID string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("batch %q not found", batchID)}
}

func NotTerminalError(batchID string) *Error {
	return &Error{Code: CodeNotTerminal, Message: fmt.Sprintf("batch %q has not finished", batchID)}
}

func TransferError(msg string, cause error) *Error {
	return &Error{Code: CodeTransfer, Message: msg, Cause: cause}
}

func ProcessingError(msg string, cause error) *Error {
	return &Error{Code: CodeProcessing, Message: msg, Cause: cause}
}

func MethodUnavailableError(method string) *Error {
	return &Error{Code: CodeMethodUnavail, Message: fmt.Sprintf("payment method %q is unavailable", method)}
}

func SettlementError(msg string, cause error) *Error {
	return &Error{Code: CodeSettlement, Message: msg, Cause: cause}
}

// InfrastructureError wraps a fault that is fatal to the whole batch.
func InfrastructureError(msg string, cause error) *Error {
	return &Error{Code: CodeInfrastructure, Message: msg, Cause: cause}
}
