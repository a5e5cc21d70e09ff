package client

import (
	"context"
	"sync"

	"github.com/ahhshm/trpc"
)

// BatchOptions configures HTTPBatchLink.
type BatchOptions struct {
	// MaxBatchSize splits larger batches into several requests. 0 means no limit.
	MaxBatchSize int
	// Scheduler decides when queued operations are sent.
	// Default: TimerScheduler{Window: DefaultBatchWindow}.
	Scheduler Scheduler
}

// HTTPBatchLink merges operations of the same type issued close together into
// one HTTP request. Results are matched to operations by position.
func HTTPBatchLink(baseURL string, opts ...BatchOptions) Link {
	var o BatchOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Scheduler == nil {
		o.Scheduler = TimerScheduler{Window: DefaultBatchWindow}
	}
	return func(rt Runtime) LinkFunc {
		loaders := map[trpc.ProcedureType]*batchLoader{
			trpc.TypeQuery:    newBatchLoader(rt, baseURL, trpc.TypeQuery, o),
			trpc.TypeMutation: newBatchLoader(rt, baseURL, trpc.TypeMutation, o),
		}
		return func(op *Operation, next NextFunc, prev Callback) {
			loader, ok := loaders[op.Type]
			if !ok {
				prev(OperationResult{Err: transportError(errSubscriptionOverHTTP)})
				return
			}
			loader.load(op, prev)
		}
	}
}

type batchItem struct {
	op *Operation
	cb Callback
}

// batchLoader queues operations of one type until its scheduler flushes them.
type batchLoader struct {
	rt      Runtime
	baseURL string
	typ     trpc.ProcedureType
	opts    BatchOptions

	mu        sync.Mutex
	queue     []batchItem
	scheduled bool
}

func newBatchLoader(rt Runtime, baseURL string, typ trpc.ProcedureType, opts BatchOptions) *batchLoader {
	return &batchLoader{rt: rt, baseURL: baseURL, typ: typ, opts: opts}
}

func (l *batchLoader) load(op *Operation, cb Callback) {
	l.mu.Lock()
	l.queue = append(l.queue, batchItem{op: op, cb: cb})
	schedule := !l.scheduled
	l.scheduled = true
	l.mu.Unlock()

	if schedule {
		l.opts.Scheduler.Schedule(l.dispatch)
	}
}

// dispatch sends everything queued so far. Operations canceled while queued
// are failed without being sent.
func (l *batchLoader) dispatch() {
	l.mu.Lock()
	items := l.queue
	l.queue = nil
	l.scheduled = false
	l.mu.Unlock()

	live := items[:0]
	for _, it := range items {
		if err := it.op.Context().Err(); err != nil {
			it.cb(OperationResult{Err: transportError(err)})
			continue
		}
		live = append(live, it)
	}

	size := l.opts.MaxBatchSize
	if size <= 0 {
		size = len(live)
	}
	for start := 0; start < len(live); start += size {
		end := min(start+size, len(live))
		go l.send(live[start:end])
	}
}

func (l *batchLoader) send(items []batchItem) {
	ops := make([]*Operation, len(items))
	for i, it := range items {
		ops[i] = it.op
	}
	ctx := context.Background()
	if len(ops) == 1 {
		ctx = ops[0].Context()
	}

	results, err := doRequest(ctx, l.rt, l.baseURL, l.typ, ops, true)
	if err != nil {
		terr := transportError(err)
		for _, it := range items {
			it.cb(OperationResult{Err: terr})
		}
		return
	}
	for i, it := range items {
		it.cb(results[i])
	}
}
