package trpc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator checks a decoded procedure input. A non-nil error rejects the
// call with BAD_REQUEST and is kept as the error's cause.
type Validator interface {
	Validate(input any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(input any) error

func (f ValidatorFunc) Validate(input any) error {
	return f(input)
}

// ValidationError describes why an input was rejected. Field errors are keyed
// by the dotted field path; form errors apply to the input as a whole.
type ValidationError struct {
	FormErrors  []string
	FieldErrors map[string][]string
}

func (e *ValidationError) Error() string {
	var parts []string
	parts = append(parts, e.FormErrors...)
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e.FieldErrors[f], ", ")))
	}
	if len(parts) == 0 {
		return "invalid input"
	}
	return strings.Join(parts, "; ")
}

// FlattenedErrors is the wire form of a ValidationError.
type FlattenedErrors struct {
	FormErrors  []string            `json:"formErrors"`
	FieldErrors map[string][]string `json:"fieldErrors"`
}

// Flatten returns the errors grouped by field, suitable for an error formatter.
func (e *ValidationError) Flatten() FlattenedErrors {
	out := FlattenedErrors{
		FormErrors:  append([]string{}, e.FormErrors...),
		FieldErrors: make(map[string][]string, len(e.FieldErrors)),
	}
	for f, msgs := range e.FieldErrors {
		out.FieldErrors[f] = append([]string{}, msgs...)
	}
	return out
}

func (e *ValidationError) add(field, msg string) {
	if field == "" || field == "(root)" {
		e.FormErrors = append(e.FormErrors, msg)
		return
	}
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string][]string)
	}
	e.FieldErrors[field] = append(e.FieldErrors[field], msg)
}

// SchemaValidator validates inputs against a JSON Schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a JSON Schema document.
func NewSchemaValidator(schema string) (*SchemaValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: s}, nil
}

// MustSchemaValidator is like NewSchemaValidator but panics on error.
func MustSchemaValidator(schema string) *SchemaValidator {
	v, err := NewSchemaValidator(schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate encodes input as JSON and checks it against the schema.
func (v *SchemaValidator) Validate(input any) error {
	doc, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate input: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, re := range result.Errors() {
		verr.add(re.Field(), re.Description())
	}
	return verr
}
