package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

// Operation is a single call travelling through the link chain.
type Operation struct {
	ID    int64
	Type  trpc.ProcedureType
	Path  string
	Input any
	// Meta carries values between links.
	Meta map[string]any

	ctx context.Context
}

// Context returns the operation's context.
func (op *Operation) Context() context.Context {
	if op.ctx == nil {
		return context.Background()
	}
	return op.ctx
}

// WithContext returns a shallow copy of op with ctx.
func (op *Operation) WithContext(ctx context.Context) *Operation {
	cp := *op
	cp.ctx = ctx
	return &cp
}

// OperationResult is delivered to the caller once for queries and mutations
// and any number of times for subscriptions. Data is still encoded with the
// output transformer.
type OperationResult struct {
	Type trpc.ResultType
	Data jsontext.Value
	Err  error
}

// Callback receives results flowing back up the chain.
type Callback func(OperationResult)

// NextFunc forwards an operation to the next link.
type NextFunc func(op *Operation, cb Callback)

// LinkFunc handles an operation. It either forwards it with next, wrapping
// prev to observe results, or terminates the chain by calling prev itself.
type LinkFunc func(op *Operation, next NextFunc, prev Callback)

// Link builds a LinkFunc for a client runtime.
type Link func(rt Runtime) LinkFunc

// Runtime is what links need from the client.
type Runtime struct {
	Transformer trpc.CombinedTransformer
	HTTPClient  *http.Client
}

var errNoTerminatingLink = errors.New("no link terminated the operation")

// executeChain runs op through links starting at the first one.
func executeChain(links []LinkFunc, op *Operation, cb Callback) {
	var step func(i int, op *Operation, cb Callback)
	step = func(i int, op *Operation, cb Callback) {
		if i >= len(links) {
			cb(OperationResult{Err: transportError(errNoTerminatingLink)})
			return
		}
		links[i](op, func(op *Operation, cb Callback) {
			step(i+1, op, cb)
		}, cb)
	}
	step(0, op, cb)
}

func buildChain(rt Runtime, links []Link) []LinkFunc {
	fns := make([]LinkFunc, len(links))
	for i, l := range links {
		fns[i] = l(rt)
	}
	return fns
}

// serializeInput encodes op.Input with the input transformer. A nil input
// stays absent on the wire.
func serializeInput(rt Runtime, op *Operation) (jsontext.Value, error) {
	if op.Input == nil {
		return nil, nil
	}
	return rt.Transformer.InputTransformer().Serialize(op.Input)
}
