package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"modelpool/message"
)

func LoggingMiddleware(log logrus.FieldLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			entry := log.WithFields(logrus.Fields{
				"method":   req.ServiceMethod,
				"duration": time.Since(start),
			})
			if resp.Error != "" {
				entry.WithField("error", resp.Error).Warn("RPC failed")
			} else {
				entry.Debug("RPC handled")
			}
			return resp
		}
	}
}
