package trpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// envelopeSink collects everything an engine sends.
type envelopeSink struct {
	mu   sync.Mutex
	envs []Envelope
	ch   chan Envelope
}

func newEnvelopeSink() *envelopeSink {
	return &envelopeSink{ch: make(chan Envelope, 1024)}
}

func (s *envelopeSink) send(v any) {
	env := v.(Envelope)
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.ch <- env
}

func (s *envelopeSink) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return Envelope{}
	}
}

func (s *envelopeSink) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envs...)
}

func newTestEngine(t *testing.T, opts Options) (*subscriptionEngine, *envelopeSink) {
	t.Helper()
	sink := newEnvelopeSink()
	e := newSubscriptionEngine(newDispatcher(NewRouter(), opts), sink.send)
	t.Cleanup(e.close)
	return e, sink
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func resultType(env Envelope) ResultType {
	if env.Result == nil {
		return ""
	}
	return env.Result.Type
}

func TestEnginePullsImmediatelyAndRepeatedly(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	var pulls atomic.Int32
	h := &SubscriptionHandle{
		Interval: 5 * time.Millisecond,
		Pull: func(ctx context.Context, emit Emitter) error {
			emit.Data(pulls.Add(1))
			return nil
		},
	}
	start := time.Now()
	if rerr := e.start(context.Background(), &Request{ID: 1, Type: TypeSubscription, Path: "p"}, h); rerr != nil {
		t.Fatal(rerr)
	}
	if env := sink.next(t); resultType(env) != ResultStarted {
		t.Fatalf("expected started first, got %+v", env)
	}
	if env := sink.next(t); resultType(env) != ResultData || string(env.Result.Data) != "1" {
		t.Fatalf("expected the first pull, got %+v", env)
	}
	if time.Since(start) > time.Second {
		t.Error("first pull should not wait for the interval")
	}
	if env := sink.next(t); string(env.Result.Data) != "2" {
		t.Errorf("expected a second pull, got %+v", env)
	}
}

func TestEngineStop(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	var teardowns atomic.Int32
	h := &SubscriptionHandle{
		Interval: time.Millisecond,
		Pull: func(ctx context.Context, emit Emitter) error {
			emit.Data("tick")
			return nil
		},
		Teardown: func() { teardowns.Add(1) },
	}
	if rerr := e.start(context.Background(), &Request{ID: "s", Type: TypeSubscription}, h); rerr != nil {
		t.Fatal(rerr)
	}
	sink.next(t)
	sink.next(t)

	if !e.stop("s") {
		t.Fatal("expected the subscription to be running")
	}
	if e.stop("s") {
		t.Error("a second stop should find nothing")
	}
	e.close()

	envs := sink.all()
	last := envs[len(envs)-1]
	if resultType(last) != ResultStopped || last.ID != "s" {
		t.Errorf("expected stopped to be the last message, got %+v", last)
	}
	stopped := 0
	for _, env := range envs {
		if resultType(env) == ResultStopped {
			stopped++
		}
	}
	if stopped != 1 {
		t.Errorf("expected exactly one stopped, got %d", stopped)
	}
	if teardowns.Load() != 1 {
		t.Errorf("expected teardown once, got %d", teardowns.Load())
	}
	if e.count() != 0 {
		t.Errorf("expected no subscriptions, got %d", e.count())
	}
}

func TestEngineTeardownNeverOverlapsPull(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	var inPull atomic.Bool
	overlapped := make(chan bool, 1)
	pulling := make(chan struct{}, 1)
	h := &SubscriptionHandle{
		Interval: time.Millisecond,
		Pull: func(ctx context.Context, emit Emitter) error {
			inPull.Store(true)
			select {
			case pulling <- struct{}{}:
			default:
			}
			time.Sleep(30 * time.Millisecond)
			inPull.Store(false)
			return nil
		},
		Teardown: func() { overlapped <- inPull.Load() },
	}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h); rerr != nil {
		t.Fatal(rerr)
	}
	sink.next(t) // started
	<-pulling
	e.stop(1)

	select {
	case o := <-overlapped:
		if o {
			t.Error("teardown ran while a pull was in progress")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not run")
	}
}

func TestEngineNoDataAfterStopped(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	emitters := make(chan Emitter, 1)
	h := &SubscriptionHandle{
		Run: func(ctx context.Context, emit Emitter) error {
			emitters <- emit
			<-ctx.Done()
			return nil
		},
	}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h); rerr != nil {
		t.Fatal(rerr)
	}
	emit := <-emitters
	emit.Data("before")
	e.stop(1)
	emit.Data("after")
	e.close()

	var types []ResultType
	for _, env := range sink.all() {
		types = append(types, resultType(env))
	}
	if len(types) != 3 || types[0] != ResultStarted || types[1] != ResultData || types[2] != ResultStopped {
		t.Errorf("unexpected messages %v", types)
	}
}

func TestEngineRunReturning(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	h := StreamSubscription(func(ctx context.Context, emit func(string)) error {
		emit("only")
		return nil
	})
	if rerr := e.start(context.Background(), &Request{ID: 1}, h); rerr != nil {
		t.Fatal(rerr)
	}
	sink.next(t)
	sink.next(t)
	if env := sink.next(t); resultType(env) != ResultStopped {
		t.Errorf("expected stopped, got %+v", env)
	}
	// The id is free again.
	e.wg.Wait()
	if e.count() != 0 {
		t.Error("finished subscription should be removed")
	}
}

func TestEngineErrors(t *testing.T) {
	tests := []struct {
		name string
		h    *SubscriptionHandle
		code ErrorCode
	}{
		{
			name: "pull error",
			h: &SubscriptionHandle{Pull: func(ctx context.Context, emit Emitter) error {
				return errors.New("db gone")
			}},
			code: CodeInternalServerError,
		},
		{
			name: "run error",
			h: &SubscriptionHandle{Run: func(ctx context.Context, emit Emitter) error {
				return ErrForbidden("revoked")
			}},
			code: CodeForbidden,
		},
		{
			name: "panic",
			h: &SubscriptionHandle{Pull: func(ctx context.Context, emit Emitter) error {
				panic("oops")
			}},
			code: CodeInternalServerError,
		},
		{
			name: "unserializable data",
			h: &SubscriptionHandle{Pull: func(ctx context.Context, emit Emitter) error {
				emit.Data(make(chan int))
				return nil
			}},
			code: CodeInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reported []ErrorEvent
			var mu sync.Mutex
			e, sink := newTestEngine(t, Options{OnError: func(ev ErrorEvent) {
				mu.Lock()
				reported = append(reported, ev)
				mu.Unlock()
			}})
			if rerr := e.start(context.Background(), &Request{ID: 1, Path: "p"}, tt.h); rerr != nil {
				t.Fatal(rerr)
			}
			sink.next(t) // started
			env := sink.next(t)
			if len(env.Error) == 0 {
				t.Fatalf("expected an error envelope, got %+v", env)
			}
			shape := decodeEnvelope(t, mustJSON(t, env)).Error
			if shape.Data.Code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, shape.Data.Code)
			}
			e.close()
			mu.Lock()
			defer mu.Unlock()
			if len(reported) != 1 || reported[0].Path != "p" {
				t.Errorf("expected one reported error, got %+v", reported)
			}
		})
	}
}

func TestEngineDuplicateID(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	h := func() *SubscriptionHandle {
		return &SubscriptionHandle{Pull: func(ctx context.Context, emit Emitter) error { return nil }}
	}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h()); rerr != nil {
		t.Fatal(rerr)
	}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h()); rerr == nil || rerr.Code != CodeBadRequest {
		t.Errorf("expected BAD_REQUEST for a duplicate id, got %v", rerr)
	}
	// The string "1" is a different id from the number 1.
	if rerr := e.start(context.Background(), &Request{ID: "1"}, h()); rerr != nil {
		t.Errorf("expected string id to be accepted, got %v", rerr)
	}
	if e.count() != 2 {
		t.Errorf("expected 2 subscriptions, got %d", e.count())
	}
}

func TestEngineCloseIsSilent(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	var teardown atomic.Bool
	h := &SubscriptionHandle{
		Pull:     func(ctx context.Context, emit Emitter) error { return nil },
		Teardown: func() { teardown.Store(true) },
	}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h); rerr != nil {
		t.Fatal(rerr)
	}
	e.close()

	if !teardown.Load() {
		t.Error("close must wait for teardown")
	}
	if n := len(sink.all()); n != 1 {
		t.Errorf("expected only started, got %d messages", n)
	}
	if rerr := e.start(context.Background(), &Request{ID: 2}, h); rerr == nil || rerr.Code != CodeClientClosedRequest {
		t.Errorf("expected CLIENT_CLOSED_REQUEST after close, got %v", rerr)
	}
}

func TestEngineMetrics(t *testing.T) {
	m := NewMetrics(nil)
	e, sink := newTestEngine(t, Options{Metrics: m})

	h := &SubscriptionHandle{Pull: func(ctx context.Context, emit Emitter) error { return nil }}
	if rerr := e.start(context.Background(), &Request{ID: 1}, h); rerr != nil {
		t.Fatal(rerr)
	}
	sink.next(t)
	if got := testutil.ToFloat64(m.ActiveSubscriptions); got != 1 {
		t.Errorf("expected 1 active subscription, got %v", got)
	}
	e.stop(1)
	e.close()
	if got := testutil.ToFloat64(m.ActiveSubscriptions); got != 0 {
		t.Errorf("expected 0 active subscriptions, got %v", got)
	}
}

func TestCursorSubscription(t *testing.T) {
	e, sink := newTestEngine(t, Options{})

	var mu sync.Mutex
	state := []string{"a"}
	snapshot := func(ctx context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), state...), nil
	}

	if rerr := e.start(context.Background(), &Request{ID: 1}, CursorSubscription(2*time.Millisecond, "", snapshot)); rerr != nil {
		t.Fatal(rerr)
	}
	sink.next(t) // started
	first := sink.next(t)
	var out OutputWithCursor[[]string]
	if err := JSON.Deserialize(first.Result.Data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Cursor == "" {
		t.Fatalf("unexpected first output %s", first.Result.Data)
	}

	// Unchanged state is not sent again.
	select {
	case env := <-sink.ch:
		t.Fatalf("unexpected message for unchanged state: %+v", env)
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	state = append(state, "b")
	mu.Unlock()
	second := sink.next(t)
	var out2 OutputWithCursor[[]string]
	if err := JSON.Deserialize(second.Result.Data, &out2); err != nil {
		t.Fatal(err)
	}
	if len(out2.Data) != 2 || out2.Cursor == out.Cursor {
		t.Errorf("unexpected second output %s", second.Result.Data)
	}

	// Resuming with the current cursor sends nothing until the state changes.
	e2, sink2 := newTestEngine(t, Options{})
	if rerr := e2.start(context.Background(), &Request{ID: 1}, CursorSubscription(2*time.Millisecond, out2.Cursor, snapshot)); rerr != nil {
		t.Fatal(rerr)
	}
	sink2.next(t) // started
	select {
	case env := <-sink2.ch:
		t.Fatalf("resumed subscription resent known state: %+v", env)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a, err := Fingerprint(map[string]int{"x": 1, "y": 2})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Fingerprint(map[string]int{"y": 2, "x": 1})
	c, _ := Fingerprint(map[string]int{"x": 1, "y": 3})
	if a != b {
		t.Error("fingerprint must not depend on map order")
	}
	if a == c {
		t.Error("different values must have different fingerprints")
	}
}
