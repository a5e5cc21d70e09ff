// Package trpc implements a typed procedure router with pluggable transports.
//
// Procedures are registered on a Router as queries, mutations or
// subscriptions under dotted paths:
//
//	r := trpc.NewRouter()
//	trpc.Query(r, "post.byId", func(ctx context.Context, id string) (*Post, error) {
//		return db.Post(id)
//	})
//
// Routers compose with Merge, which prefixes the merged paths and runs the
// parent's middleware before the child's. Inputs are decoded with the router's
// transformer and checked by an optional Validator before the resolver runs.
// Every failure crosses the wire as an error shape, which an ErrorFormatter
// can extend.
//
// A router is served over HTTP with NewHTTPHandler, which also handles
// batched calls and Server-Sent Events subscriptions, and over WebSocket
// with NewServer. Subscriptions are either pulled on an interval
// (PullSubscription, CursorSubscription) or pushed (StreamSubscription).
//
// The client package calls a router through a chain of links.
package trpc
