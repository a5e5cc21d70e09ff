package trpc

import (
	"context"

	"github.com/go-json-experiment/json/jsontext"
)

// Request contains information about the call being resolved.
type Request struct {
	ID       any            // Envelope ID for correlation, nil over plain HTTP
	Type     ProcedureType  // Procedure type
	Path     string         // Full dotted path
	Input    any            // Decoded and validated input
	RawInput jsontext.Value // Input as received on the wire, before the transformer
}

// Handler represents the next step in the middleware chain.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a Handler to add cross-cutting behavior.
type Middleware func(next Handler) Handler

// chain builds the handler for a single call. mws[0] is outermost.
func chain(mws []Middleware, final Handler) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
