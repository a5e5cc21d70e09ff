package trpc

import (
	"context"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ErrorShape is the default JSON form of an error.
type ErrorShape struct {
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Data    ErrorData `json:"data"`
}

// ErrorData carries the symbolic code and transport details of an error.
type ErrorData struct {
	Code       ErrorCode `json:"code"`
	HTTPStatus int       `json:"httpStatus"`
	Path       string    `json:"path,omitempty"`
	Stack      string    `json:"stack,omitempty"`
}

// FormatErrorInput is passed to an ErrorFormatter.
type FormatErrorInput struct {
	Shape   ErrorShape
	Error   *Error
	Type    ProcedureType
	Path    string
	Input   any
	Context context.Context
}

// ErrorFormatter returns extra fields for an error. The result must encode as
// a JSON object; its members are merged over the default shape.
type ErrorFormatter func(in FormatErrorInput) any

// DefaultShape builds the default shape of err for the procedure at path.
func DefaultShape(err *Error, path string, withStack bool) ErrorShape {
	shape := ErrorShape{
		Message: err.Message,
		Code:    err.Code.JSONRPCCode(),
		Data: ErrorData{
			Code:       err.Code,
			HTTPStatus: err.Code.HTTPStatus(),
			Path:       path,
		},
	}
	if withStack {
		shape.Data.Stack = err.Stack
	}
	return shape
}

// formatShape applies the formatter over the default shape and returns the
// merged object as plain Go values ready for the output transformer.
func formatShape(formatter ErrorFormatter, in FormatErrorInput) (map[string]any, error) {
	merged, err := objectMembers(in.Shape)
	if err != nil {
		return nil, err
	}
	if formatter != nil {
		custom, err := objectMembers(formatter(in))
		if err != nil {
			return nil, err
		}
		for k, v := range custom {
			merged[k] = v
		}
	}
	b, err := json.Marshal(merged, json.Deterministic(true))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func objectMembers(v any) (map[string]jsontext.Value, error) {
	if v == nil {
		return map[string]jsontext.Value{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	members := map[string]jsontext.Value{}
	if err := json.Unmarshal(b, &members); err != nil {
		return nil, err
	}
	return members, nil
}
