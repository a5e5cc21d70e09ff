package trpc

import "context"

// WithTestConnection returns a context carrying a minimal [Conn] with the
// given ID. The connection has no functioning transport and is intended
// exclusively for use in tests of middleware and resolvers.
func WithTestConnection(ctx context.Context, id string) context.Context {
	c := &Conn{id: id}
	c.ctx = ctx
	return withConnection(ctx, c)
}
