package middleware

import (
	"context"
	"time"

	"modelpool/message"
)

const errTimedOut = "request timed out"

// TimeOutMiddleware answers with errTimedOut once timeout elapses, leaving the
// handler goroutine to finish on its own. A non-positive timeout disables it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
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
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         errTimedOut,
				}
			}
		}
	}
}
