package trpc

import (
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// DataTransformer serializes values before they cross the wire and
// deserializes them on the other side. Deserialize(Serialize(v)) must
// reproduce v for every value a procedure accepts or returns.
type DataTransformer interface {
	Serialize(v any) (jsontext.Value, error)
	Deserialize(data jsontext.Value, v any) error
}

// CombinedTransformer uses separate transformers for inputs (client to server)
// and outputs (server to client, including error shapes).
// A nil side falls back to plain JSON.
type CombinedTransformer struct {
	Input  DataTransformer
	Output DataTransformer
}

// Symmetric returns a CombinedTransformer that uses t in both directions.
func Symmetric(t DataTransformer) CombinedTransformer {
	return CombinedTransformer{Input: t, Output: t}
}

// IsZero reports whether neither side is set.
func (c CombinedTransformer) IsZero() bool {
	return c.Input == nil && c.Output == nil
}

// InputTransformer returns the input side, defaulting to JSON.
func (c CombinedTransformer) InputTransformer() DataTransformer {
	if c.Input == nil {
		return JSON
	}
	return c.Input
}

// OutputTransformer returns the output side, defaulting to JSON.
func (c CombinedTransformer) OutputTransformer() DataTransformer {
	if c.Output == nil {
		return JSON
	}
	return c.Output
}

// JSON is the default transformer. Values are plain JSON on the wire.
var JSON DataTransformer = jsonTransformer{}

type jsonTransformer struct{}

func (jsonTransformer) Serialize(v any) (jsontext.Value, error) {
	return json.Marshal(v)
}

func (jsonTransformer) Deserialize(data jsontext.Value, v any) error {
	return json.Unmarshal(data, v)
}

// isAbsent reports whether a raw wire value carries no input.
func isAbsent(data jsontext.Value) bool {
	return len(data) == 0 || string(data) == "null"
}
