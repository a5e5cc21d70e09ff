package trpc

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit rejects calls with TOO_MANY_REQUESTS once limiter runs out of tokens.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiter.Allow() {
				return nil, NewError(CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
