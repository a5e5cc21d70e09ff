package trpc

import "context"

type contextKey int

const (
	appContextKey contextKey = iota
	connectionKey
	requestKey
)

// AppContext returns the application context created by CreateContextFunc.
// Returns nil if not present.
func AppContext(ctx context.Context) any {
	return ctx.Value(appContextKey)
}

// AppContextAs returns the application context as T.
func AppContextAs[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(appContextKey).(T)
	return v, ok
}

// WithAppContext returns a context carrying the given application context.
// Transports call it once per HTTP request or WebSocket connection; tests and
// server-side callers may use it directly.
func WithAppContext(ctx context.Context, appCtx any) context.Context {
	return context.WithValue(ctx, appContextKey, appCtx)
}

// Connection returns the WebSocket connection from the context.
// Returns nil if not present.
func Connection(ctx context.Context) *Conn {
	if c, ok := ctx.Value(connectionKey).(*Conn); ok {
		return c
	}
	return nil
}

// RequestFromContext returns the Request from the context.
// Returns nil if not present.
func RequestFromContext(ctx context.Context) *Request {
	if req, ok := ctx.Value(requestKey).(*Request); ok {
		return req
	}
	return nil
}

// withConnection returns a context with the given connection.
func withConnection(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connectionKey, c)
}

// withRequest returns a context with the given request.
func withRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}
