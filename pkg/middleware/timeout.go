package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/stackd/stackd/pkg/logger"
)

// TimeoutHandler sets the timeout in each request
type TimeoutHandler struct {
	timeout time.Duration
	logger  logger.Logger
}

// NewTimeoutHandler returns new TimeoutHandler that timeouts request if it
// exceeds the timeout value
func NewTimeoutHandler(timeout time.Duration, logger logger.Logger) *TimeoutHandler {
	return &TimeoutHandler{
		timeout: timeout,
		logger:  logger,
	}
}

// NewUnaryTimeoutInterceptor bounds each unary call by the configured timeout.
func (h *TimeoutHandler) NewUnaryTimeoutInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		resp, err := handler(ctx, req)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			method, _ := grpc.Method(ctx)
			h.logger.WarnWithContext(ctx, "request timed out",
				zap.String("method", method),
				zap.Duration("timeout", h.timeout),
			)
		}
		return resp, err
	}
}

// NewStreamTimeoutInterceptor bounds each stream by the configured timeout.
func (h *TimeoutHandler) NewStreamTimeoutInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, cancel := context.WithTimeout(stream.Context(), h.timeout)
		defer cancel()

		return handler(srv, &recvWrapper{
			ctx:          ctx,
			ServerStream: stream,
		})
	}
}

type recvWrapper struct {
	ctx context.Context
	grpc.ServerStream
}

// Context returns the context associated with the recvWrapper.
func (r *recvWrapper) Context() context.Context {
	return r.ctx
}
