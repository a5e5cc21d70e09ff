package client

import (
	"time"

	"go.uber.org/zap"
)

// LoggerLink logs every operation on the way up and every result on the way
// down. Errors are logged at warn level, everything else at debug.
func LoggerLink(logger *zap.Logger) Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(rt Runtime) LinkFunc {
		return func(op *Operation, next NextFunc, prev Callback) {
			start := time.Now()
			fields := []zap.Field{
				zap.Int64("id", op.ID),
				zap.String("type", string(op.Type)),
				zap.String("path", op.Path),
			}
			logger.Debug("operation up", fields...)
			next(op, func(res OperationResult) {
				fields := append(fields, zap.Duration("elapsed", time.Since(start)))
				if res.Err != nil {
					logger.Warn("operation down", append(fields, zap.Error(res.Err))...)
				} else {
					logger.Debug("operation down", append(fields, zap.String("result", string(res.Type)))...)
				}
				prev(res)
			})
		}
	}
}
