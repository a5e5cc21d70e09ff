package trpc

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs all calls with timing information.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("type", string(req.Type)),
				zap.String("path", req.Path),
				zap.Duration("duration", time.Since(start)),
			}
			if conn := Connection(ctx); conn != nil {
				fields = append(fields, zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
			}
			if err != nil {
				logger.Info("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call ok", fields...)
			}
			return result, err
		}
	}
}
