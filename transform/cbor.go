package transform

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

type cborTransformer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a transformer that encodes values as deterministic CBOR,
// carried as a base64 JSON string. Times keep their type and nanoseconds;
// maps decoded into interfaces use string keys.
func CBOR() (trpc.DataTransformer, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encOpts.TimeTag = cbor.EncTagRequired
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		TimeTag:        cbor.DecTagOptional,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborTransformer{enc: em, dec: dm}, nil
}

// MustCBOR is like CBOR but panics on error.
func MustCBOR() trpc.DataTransformer {
	t, err := CBOR()
	if err != nil {
		panic(err)
	}
	return t
}

func (c cborTransformer) Serialize(v any) (jsontext.Value, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (c cborTransformer) Deserialize(data jsontext.Value, v any) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("transform: cbor payload must be a string: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("transform: cbor payload: %w", err)
	}
	return c.dec.Unmarshal(b, v)
}
