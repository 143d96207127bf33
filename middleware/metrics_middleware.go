package middleware

import (
	"context"
	"time"

	"modelpool/message"
	"modelpool/metrics"
)

func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			status := "ok"
			if resp.Error != "" {
				status = "error"
			}
			metrics.RPCRequestsTotal.WithLabelValues(req.ServiceMethod, status).Inc()
			metrics.RPCRequestDuration.WithLabelValues(req.ServiceMethod).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
