package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
)

// TimeoutMiddleware answers DeadlineExceeded when the handler takes longer
// than timeout. The handler keeps running with a cancelled context; its late
// result is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorReply(req.ServiceMethod,
					status.Errorf(codes.DeadlineExceeded, "request timed out after %s", timeout))
			}
		}
	}
}
