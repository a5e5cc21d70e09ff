package transform

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

// envelope is the wire shape of the Envelope transformer.
type envelope struct {
	JSON jsontext.Value `json:"json"`
	Meta jsontext.Value `json:"meta,omitzero"`
}

type envelopeTransformer struct{}

// Envelope returns a transformer that wraps every value as {"json": value}.
// Clients that expect the wrapped shape can tell transformed payloads from
// plain JSON ones.
func Envelope() trpc.DataTransformer {
	return envelopeTransformer{}
}

func (envelopeTransformer) Serialize(v any) (jsontext.Value, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{JSON: inner})
}

func (envelopeTransformer) Deserialize(data jsontext.Value, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env, json.RejectUnknownMembers(true)); err != nil {
		return fmt.Errorf("transform: not an envelope: %w", err)
	}
	if len(env.JSON) == 0 {
		return fmt.Errorf("transform: envelope has no json member")
	}
	return json.Unmarshal(env.JSON, v)
}
