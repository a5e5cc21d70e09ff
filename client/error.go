package client

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

// Error is returned for every failed call. Errors reported by the server carry
// the decoded error shape; transport failures only carry a cause.
type Error struct {
	Message string
	// Shape is the default error shape sent by the server, nil for transport errors.
	Shape *trpc.ErrorShape
	// Data is the full error object, including members added by an error formatter.
	Data  map[string]any
	Cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HasShape reports whether the error was sent by the server.
func (e *Error) HasShape() bool {
	return e.Shape != nil
}

// Code returns the server error code, or "" for transport errors.
func (e *Error) Code() trpc.ErrorCode {
	if e.Shape == nil {
		return ""
	}
	return e.Shape.Data.Code
}

func transportError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Message: err.Error(), Cause: err}
}

// decodeError decodes a serialized error shape. The shape goes through the
// output transformer first, then through plain JSON into ErrorShape.
func decodeError(t trpc.DataTransformer, raw jsontext.Value) *Error {
	var obj map[string]any
	if err := t.Deserialize(raw, &obj); err != nil {
		return &Error{Message: fmt.Sprintf("invalid error payload: %v", err), Cause: err}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return &Error{Message: fmt.Sprintf("invalid error payload: %v", err), Cause: err, Data: obj}
	}
	var shape trpc.ErrorShape
	if err := json.Unmarshal(b, &shape); err != nil || shape.Data.Code == "" {
		msg, _ := obj["message"].(string)
		if msg == "" {
			msg = "unknown error"
		}
		return &Error{Message: msg, Data: obj, Cause: err}
	}
	return &Error{Message: shape.Message, Shape: &shape, Data: obj}
}
