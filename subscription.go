package trpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-json-experiment/json"
)

// DefaultPullInterval is used when a pull subscription does not set Interval.
const DefaultPullInterval = time.Second

// Emitter pushes values of a running subscription to its client.
// Data may be called any number of times per pull.
type Emitter interface {
	Data(v any)
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(v any)

func (f EmitterFunc) Data(v any) { f(v) }

// SubscriptionHandle is returned by a subscription resolver. Exactly one of
// Pull and Run must be set.
//
// Pull is invoked immediately and then Interval after each previous pull
// returns, until the subscription stops. Run is invoked once and owns the
// subscription until it returns or its context is canceled. A non-nil error
// from either ends the subscription with an error message to the client.
// Teardown, if set, runs exactly once when the subscription stops.
type SubscriptionHandle struct {
	Interval time.Duration
	Pull     func(ctx context.Context, emit Emitter) error
	Run      func(ctx context.Context, emit Emitter) error
	Teardown func()
}

// PullSubscription creates a polling subscription emitting values of type O.
func PullSubscription[O any](interval time.Duration, pull func(ctx context.Context, emit func(O)) error) *SubscriptionHandle {
	return &SubscriptionHandle{
		Interval: interval,
		Pull: func(ctx context.Context, emit Emitter) error {
			return pull(ctx, func(v O) { emit.Data(v) })
		},
	}
}

// StreamSubscription creates a push subscription. run emits values until ctx is
// done; returning nil stops the subscription normally.
func StreamSubscription[O any](run func(ctx context.Context, emit func(O)) error) *SubscriptionHandle {
	return &SubscriptionHandle{
		Run: func(ctx context.Context, emit Emitter) error {
			return run(ctx, func(v O) { emit.Data(v) })
		},
	}
}

// OutputWithCursor is emitted by cursor subscriptions. Cursor can be passed
// back as input to resume without receiving the same state again.
type OutputWithCursor[T any] struct {
	Data   T      `json:"data"`
	Cursor string `json:"cursor"`
}

// cursorState is the per-subscription change detection state. It is only read
// and written from the subscription's own pull, which never runs concurrently.
type cursorState struct {
	cursor string
}

// CursorSubscription polls snapshot every interval and emits it only when its
// fingerprint differs from the last one sent. cursor is the fingerprint the
// client already has; an empty cursor always emits on the first pull.
func CursorSubscription[O any](interval time.Duration, cursor string, snapshot func(ctx context.Context) (O, error)) *SubscriptionHandle {
	state := &cursorState{cursor: cursor}
	return &SubscriptionHandle{
		Interval: interval,
		Pull: func(ctx context.Context, emit Emitter) error {
			v, err := snapshot(ctx)
			if err != nil {
				return err
			}
			fp, err := Fingerprint(v)
			if err != nil {
				return err
			}
			if fp == state.cursor {
				return nil
			}
			state.cursor = fp
			emit.Data(OutputWithCursor[O]{Data: v, Cursor: fp})
			return nil
		},
	}
}

// Fingerprint returns a stable content hash of v's JSON encoding.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v, json.Deterministic(true))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}
