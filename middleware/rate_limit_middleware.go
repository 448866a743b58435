package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
)

// RateLimitMiddleware admits requests through a token bucket of rate r and
// size burst. Requests over the limit fail with ResourceExhausted.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.ErrorReply(req.ServiceMethod, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
