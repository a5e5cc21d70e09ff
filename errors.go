package trpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the symbolic code carried by every error that crosses the wire.
type ErrorCode string

// Standard error codes.
const (
	CodeParseError          ErrorCode = "PARSE_ERROR"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeMethodNotSupported  ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodePreconditionFailed  ErrorCode = "PRECONDITION_FAILED"
	CodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeTooManyRequests     ErrorCode = "TOO_MANY_REQUESTS"
	CodeClientClosedRequest ErrorCode = "CLIENT_CLOSED_REQUEST"
)

var jsonRPCCodes = map[ErrorCode]int{
	CodeParseError:          -32700,
	CodeBadRequest:          -32600,
	CodeInternalServerError: -32603,
	CodeUnauthorized:        -32001,
	CodeForbidden:           -32003,
	CodeNotFound:            -32004,
	CodeMethodNotSupported:  -32005,
	CodeTimeout:             -32008,
	CodePreconditionFailed:  -32012,
	CodePayloadTooLarge:     -32013,
	CodeTooManyRequests:     -32029,
	CodeClientClosedRequest: -32099,
}

var httpStatuses = map[ErrorCode]int{
	CodeParseError:          http.StatusBadRequest,
	CodeBadRequest:          http.StatusBadRequest,
	CodeInternalServerError: http.StatusInternalServerError,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeMethodNotSupported:  http.StatusMethodNotAllowed,
	CodeTimeout:             http.StatusRequestTimeout,
	CodePreconditionFailed:  http.StatusPreconditionFailed,
	CodePayloadTooLarge:     http.StatusRequestEntityTooLarge,
	CodeTooManyRequests:     http.StatusTooManyRequests,
	CodeClientClosedRequest: 499,
}

// JSONRPCCode returns the numeric JSON-RPC style code for c.
// Unknown codes map to the internal error code.
func (c ErrorCode) JSONRPCCode() int {
	if n, ok := jsonRPCCodes[c]; ok {
		return n
	}
	return jsonRPCCodes[CodeInternalServerError]
}

// HTTPStatus returns the HTTP status used when c is sent over HTTP.
func (c ErrorCode) HTTPStatus() int {
	if s, ok := httpStatuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeFromJSONRPC maps a numeric code back to its symbolic code.
func CodeFromJSONRPC(n int) (ErrorCode, bool) {
	for code, v := range jsonRPCCodes {
		if v == n {
			return code, true
		}
	}
	return "", false
}

// Error is an error that can be sent to the client.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Stack is captured for recovered panics and only sent in debug mode.
	Stack string
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error with the given code.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// WrapError creates a new error wrapping an existing error.
// An empty message takes the message of the cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	if message == "" {
		if cause != nil {
			message = cause.Error()
		} else {
			message = string(code)
		}
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// ErrNotFound returns the error for an unknown path or procedure type.
func ErrNotFound(typ ProcedureType, path string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("no %q procedure on path %q", typ, path))
}

// ErrBadRequest returns a bad request error.
func ErrBadRequest(reason string) *Error {
	return NewError(CodeBadRequest, reason)
}

// ErrParse returns a parse error for a malformed wire payload.
func ErrParse(cause error) *Error {
	return WrapError(CodeParseError, "", cause)
}

// ErrUnauthorized returns an unauthorized error.
func ErrUnauthorized(message string) *Error {
	return NewError(CodeUnauthorized, message)
}

// ErrForbidden returns a forbidden error.
func ErrForbidden(message string) *Error {
	return NewError(CodeForbidden, message)
}

// ErrTimeout returns a timeout error.
func ErrTimeout(message string) *Error {
	return NewError(CodeTimeout, message)
}

// ErrInternal returns an internal error.
func ErrInternal(cause error) *Error {
	return WrapError(CodeInternalServerError, "", cause)
}

// AsError normalizes err into an *Error. Errors that already carry a code keep it;
// context errors map to TIMEOUT and CLIENT_CLOSED_REQUEST; anything else becomes
// INTERNAL_SERVER_ERROR with the original error as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeTimeout, "", err)
	case errors.Is(err, context.Canceled):
		return WrapError(CodeClientClosedRequest, "", err)
	}
	return ErrInternal(err)
}
