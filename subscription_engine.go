package trpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"
)

type subscriptionState int

const (
	subscriptionCreated subscriptionState = iota
	subscriptionPolling
	subscriptionStopped
)

// subscriptionEngine runs the subscriptions of one connection or stream.
type subscriptionEngine struct {
	d    *dispatcher
	send func(v any)

	mu     sync.Mutex
	subs   map[string]*subscriptionRun
	closed bool
	wg     sync.WaitGroup
}

func newSubscriptionEngine(d *dispatcher, send func(v any)) *subscriptionEngine {
	return &subscriptionEngine{
		d:    d,
		send: send,
		subs: make(map[string]*subscriptionRun),
	}
}

// subscriptionRun is a single running subscription.
type subscriptionRun struct {
	engine *subscriptionEngine
	key    string
	req    *Request
	handle *SubscriptionHandle
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state subscriptionState
}

// idKey returns a map key for an envelope ID. Using the JSON encoding keeps
// the number 1 and the string "1" apart.
func idKey(id any) string {
	b, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return string(b)
}

// start registers and starts a subscription. It fails if the id is already in
// use on this engine or the engine is closed.
func (e *subscriptionEngine) start(ctx context.Context, req *Request, h *SubscriptionHandle) *Error {
	key := idKey(req.ID)
	runCtx, cancel := context.WithCancel(ctx)
	run := &subscriptionRun{
		engine: e,
		key:    key,
		req:    req,
		handle: h,
		ctx:    runCtx,
		cancel: cancel,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return NewError(CodeClientClosedRequest, "connection closed")
	}
	if _, exists := e.subs[key]; exists {
		e.mu.Unlock()
		cancel()
		return ErrBadRequest("duplicate subscription id")
	}
	e.subs[key] = run
	e.wg.Add(1)
	e.mu.Unlock()

	if m := e.d.opts.Metrics; m != nil {
		m.ActiveSubscriptions.Inc()
	}
	// started is sent under the run lock so it always precedes data.
	run.mu.Lock()
	e.send(Envelope{ID: req.ID, Result: &Result{Type: ResultStarted}})
	run.mu.Unlock()

	go run.loop()
	return nil
}

// stop ends the subscription with the given id and sends stopped.
// Unknown ids are ignored.
func (e *subscriptionEngine) stop(id any) bool {
	e.mu.Lock()
	run, ok := e.subs[idKey(id)]
	if ok {
		delete(e.subs, run.key)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	run.end(func() {
		e.send(Envelope{ID: run.req.ID, Result: &Result{Type: ResultStopped}})
	})
	return true
}

// close stops all subscriptions without sending anything and waits for their
// teardowns to finish.
func (e *subscriptionEngine) close() {
	e.mu.Lock()
	e.closed = true
	runs := make([]*subscriptionRun, 0, len(e.subs))
	for _, run := range e.subs {
		runs = append(runs, run)
	}
	clear(e.subs)
	e.mu.Unlock()

	for _, run := range runs {
		run.end(nil)
	}
	e.wg.Wait()
}

// count returns the number of running subscriptions.
func (e *subscriptionEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *subscriptionEngine) remove(run *subscriptionRun) {
	e.mu.Lock()
	if cur, ok := e.subs[run.key]; ok && cur == run {
		delete(e.subs, run.key)
	}
	e.mu.Unlock()
}

// end moves the run to stopped once, sending the final message under the run
// lock so nothing is emitted after it. It reports whether this call stopped it.
func (r *subscriptionRun) end(final func()) bool {
	r.mu.Lock()
	if r.state == subscriptionStopped {
		r.mu.Unlock()
		return false
	}
	r.state = subscriptionStopped
	if final != nil {
		final()
	}
	r.mu.Unlock()
	r.cancel()
	return true
}

// Data implements Emitter. Values emitted after the run stopped are dropped.
func (r *subscriptionRun) Data(v any) {
	d := r.engine.d
	r.mu.Lock()
	if r.state == subscriptionStopped {
		r.mu.Unlock()
		return
	}
	data, serr := d.serialize(v)
	if serr == nil {
		r.engine.send(Envelope{ID: r.req.ID, Result: dataResult(data)})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.fail(serr)
}

// fail stops the run with an error message to the client.
func (r *subscriptionRun) fail(err *Error) {
	d := r.engine.d
	r.engine.remove(r)
	r.end(func() {
		d.report(r.ctx, r.req, err)
		r.engine.send(d.errorEnvelope(r.ctx, r.req, err))
	})
}

func (r *subscriptionRun) loop() {
	defer r.finish()

	r.mu.Lock()
	if r.state == subscriptionCreated {
		r.state = subscriptionPolling
	}
	r.mu.Unlock()

	err := r.drive()
	if r.ctx.Err() != nil {
		return
	}
	if err != nil {
		r.fail(AsError(err))
		return
	}
	// Run returned on its own.
	r.engine.remove(r)
	r.end(func() {
		r.engine.send(Envelope{ID: r.req.ID, Result: &Result{Type: ResultStopped}})
	})
}

func (r *subscriptionRun) drive() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in subscription %q: %v", r.req.Path, rec)
		}
	}()
	if r.handle.Run != nil {
		return r.handle.Run(r.ctx, r)
	}
	return r.poll()
}

// poll pulls immediately and then Interval after each pull returns.
func (r *subscriptionRun) poll() error {
	interval := r.handle.Interval
	if interval <= 0 {
		interval = DefaultPullInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if err := r.handle.Pull(r.ctx, r); err != nil {
			return err
		}
		timer.Reset(interval)
		select {
		case <-r.ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// finish runs after the subscription's goroutine exits, so teardown never
// overlaps a pull.
func (r *subscriptionRun) finish() {
	defer r.engine.wg.Done()
	if r.handle.Teardown != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.engine.d.logger.Error("subscription teardown panicked",
						zap.String("path", r.req.Path), zap.Any("panic", rec))
				}
			}()
			r.handle.Teardown()
		}()
	}
	if m := r.engine.d.opts.Metrics; m != nil {
		m.ActiveSubscriptions.Dec()
	}
}
