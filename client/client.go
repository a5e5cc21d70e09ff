// Package client calls procedures of a trpc router over HTTP or WebSocket.
//
// Operations pass through a chain of links. The last link of every chain
// sends the operation; links before it can log, retry or route operations.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

// Options configures a Client.
type Options struct {
	// URL is used with an HTTPBatchLink when Links is empty.
	URL   string
	Links []Link
	// Transformer must match the server's.
	Transformer trpc.CombinedTransformer
	HTTPClient  *http.Client
}

// Client issues operations through its link chain.
type Client struct {
	rt     Runtime
	links  []LinkFunc
	nextID atomic.Int64
}

// New creates a client.
func New(opts Options) (*Client, error) {
	links := opts.Links
	if len(links) == 0 {
		if opts.URL == "" {
			return nil, errors.New("client: either URL or Links must be set")
		}
		links = []Link{HTTPBatchLink(opts.URL)}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	rt := Runtime{Transformer: opts.Transformer, HTTPClient: httpClient}
	return &Client{rt: rt, links: buildChain(rt, links)}, nil
}

// Transformer returns the client's transformer.
func (c *Client) Transformer() trpc.CombinedTransformer {
	return c.rt.Transformer
}

// Request starts an operation and delivers its results to cb. For
// subscriptions, canceling ctx stops the subscription.
func (c *Client) Request(ctx context.Context, typ trpc.ProcedureType, path string, input any, cb Callback) *Operation {
	op := &Operation{
		ID:    c.nextID.Add(1),
		Type:  typ,
		Path:  path,
		Input: input,
		Meta:  map[string]any{},
		ctx:   ctx,
	}
	executeChain(c.links, op, cb)
	return op
}

// call runs a query or mutation and waits for its single result.
func (c *Client) call(ctx context.Context, typ trpc.ProcedureType, path string, input any) (jsontext.Value, error) {
	ch := make(chan OperationResult, 1)
	var once sync.Once
	c.Request(ctx, typ, path, input, func(res OperationResult) {
		once.Do(func() { ch <- res })
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Data, nil
	case <-ctx.Done():
		return nil, transportError(ctx.Err())
	}
}

func (c *Client) decode(data jsontext.Value, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := c.rt.Transformer.OutputTransformer().Deserialize(data, v); err != nil {
		return &Error{Message: "failed to decode result: " + err.Error(), Cause: err}
	}
	return nil
}

// Query calls a query and decodes its result into O.
func Query[O any](ctx context.Context, c *Client, path string, input any) (O, error) {
	var out O
	data, err := c.call(ctx, trpc.TypeQuery, path, input)
	if err != nil {
		return out, err
	}
	err = c.decode(data, &out)
	return out, err
}

// Mutation calls a mutation and decodes its result into O.
func Mutation[O any](ctx context.Context, c *Client, path string, input any) (O, error) {
	var out O
	data, err := c.call(ctx, trpc.TypeMutation, path, input)
	if err != nil {
		return out, err
	}
	err = c.decode(data, &out)
	return out, err
}

// SubscriptionHandlers receive the events of a subscription. Any of them may
// be nil. After OnError or OnStopped nothing else is delivered.
type SubscriptionHandlers[O any] struct {
	OnStarted func()
	OnData    func(O)
	OnError   func(error)
	OnStopped func()
}

// Subscribe starts a subscription. The returned function unsubscribes; once it
// returns, no new handler calls start.
func Subscribe[O any](ctx context.Context, c *Client, path string, input any, h SubscriptionHandlers[O]) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)
	var done atomic.Bool
	c.Request(ctx, trpc.TypeSubscription, path, input, func(res OperationResult) {
		if done.Load() {
			return
		}
		if res.Err != nil {
			done.Store(true)
			if h.OnError != nil {
				h.OnError(res.Err)
			}
			return
		}
		switch res.Type {
		case trpc.ResultStarted:
			if h.OnStarted != nil {
				h.OnStarted()
			}
		case trpc.ResultStopped:
			done.Store(true)
			if h.OnStopped != nil {
				h.OnStopped()
			}
		default:
			var v O
			if err := c.decode(res.Data, &v); err != nil {
				done.Store(true)
				cancel()
				if h.OnError != nil {
					h.OnError(err)
				}
				return
			}
			if h.OnData != nil {
				h.OnData(v)
			}
		}
	})
	return func() {
		done.Store(true)
		cancel()
	}
}
