package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"modelpool/message"
)

// RecoveryMiddleware turns a handler panic into an RPC error so one bad
// request cannot take the connection's process down.
func RecoveryMiddleware(log logrus.FieldLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logrus.Fields{
						"method": req.ServiceMethod,
						"panic":  r,
						"stack":  string(debug.Stack()),
					}).Error("RPC handler panicked")
					resp = &message.RPCMessage{
						ServiceMethod: req.ServiceMethod,
						Error:         fmt.Sprintf("internal error: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
