package trpc

import "context"

// CallObserver allows external packages to hook into the call lifecycle.
// BeforeCall is called before the procedure is looked up and may enrich the
// context. AfterCall is called after the call resolves, with the error that
// is sent to the client, if any.
type CallObserver interface {
	BeforeCall(ctx context.Context, req *Request) context.Context
	AfterCall(ctx context.Context, req *Request, err error)
}
