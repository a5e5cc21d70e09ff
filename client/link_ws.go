package client

import (
	"sync"

	"github.com/ahhshm/trpc"
)

// WSLink sends operations over ws. Canceling an operation's context stops a
// running subscription on the server and fails a pending query or mutation.
func WSLink(ws *WSClient) Link {
	return func(rt Runtime) LinkFunc {
		return func(op *Operation, next NextFunc, prev Callback) {
			input, err := serializeInput(rt, op)
			if err != nil {
				prev(OperationResult{Err: transportError(err)})
				return
			}
			ctx := op.Context()
			done := make(chan struct{})
			var once sync.Once
			ws.request(op, input, rt.Transformer.OutputTransformer(), func(res OperationResult) {
				final := res.Err != nil || op.Type != trpc.TypeSubscription || res.Type == trpc.ResultStopped
				if final {
					once.Do(func() { close(done) })
				}
				prev(res)
			})
			go func() {
				select {
				case <-done:
				case <-ctx.Done():
					if ws.drop(op.ID) && op.Type != trpc.TypeSubscription {
						prev(OperationResult{Err: transportError(ctx.Err())})
					}
				}
			}()
		}
	}
}
