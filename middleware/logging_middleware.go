package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"serving-rpc/message"
)

// LoggingMiddleware logs every request with its duration and status code.
// Failed requests are logged at Warn, the rest at Debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("code", codes.Code(resp.Code)),
			}
			if resp.Failed() {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("request served", fields...)
			}
			return resp
		}
	}
}
