package client

import (
	"sync/atomic"

	"github.com/ahhshm/trpc"
)

// RetryLink retries failed queries and mutations up to attempts more times.
// Subscriptions are passed through untouched.
func RetryLink(attempts int) Link {
	return func(rt Runtime) LinkFunc {
		return func(op *Operation, next NextFunc, prev Callback) {
			if op.Type == trpc.TypeSubscription {
				next(op, prev)
				return
			}
			var tries atomic.Int32
			var attempt func()
			attempt = func() {
				next(op, func(res OperationResult) {
					if res.Err != nil && int(tries.Add(1)) <= attempts && op.Context().Err() == nil {
						attempt()
						return
					}
					prev(res)
				})
			}
			attempt()
		}
	}
}
