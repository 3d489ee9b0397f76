// Package server implements the stackd service on top of a registry of named
// stacks. Transport layers (the HTTP gateway, gRPC health checks) call into a
// Server and receive gRPC status errors from pkg/server/errors.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/stackd/stackd/internal/build"
	"github.com/stackd/stackd/pkg/logger"
	serverErrors "github.com/stackd/stackd/pkg/server/errors"
	"github.com/stackd/stackd/pkg/stack"
	"github.com/stackd/stackd/pkg/telemetry"
)

const (
	// ServiceName is the name the server reports to health checks.
	ServiceName = "stackd.v1.StackService"

	// MaxStackNameLength is the maximum length in bytes of a stack name.
	MaxStackNameLength = 255

	stackNameTraceTag = "stack_name"
)

var tracer = otel.Tracer("stackd/pkg/server")

var (
	stackOperationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stack_operations_total",
		Help:      "The total number of stack operations, partitioned by operation and result code.",
	}, []string{"operation", "result"})

	stackOperationDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "stack_operation_duration_seconds",
		Help:                            "The time it takes to run a stack operation, including waiting on locks.",
		Buckets:                         prometheus.ExponentialBuckets(0.00001, 4, 10),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"operation"})

	namedStacksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "named_stacks",
		Help:      "The number of stacks currently registered under a name.",
	})
)

// A Server implements the stackd service backend.
type Server struct {
	logger         logger.Logger
	stacks         *stack.Map[string, string]
	requestTimeout time.Duration

	// lifecycle is held for reading by every operation and for writing by Close.
	lifecycle sync.RWMutex
	closed    atomic.Bool
}

type StackServiceOption func(s *Server)

func WithLogger(l logger.Logger) StackServiceOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStacks makes the server operate on an existing registry.
func WithStacks(stacks *stack.Map[string, string]) StackServiceOption {
	return func(s *Server) {
		s.stacks = stacks
	}
}

// WithRequestTimeout bounds the context of every operation. Zero disables it.
func WithRequestTimeout(timeout time.Duration) StackServiceOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// MustNewServerWithOpts see NewServerWithOpts.
func MustNewServerWithOpts(opts ...StackServiceOption) *Server {
	s, err := NewServerWithOpts(opts...)
	if err != nil {
		panic(fmt.Errorf("failed to construct the stackd server: %w", err))
	}

	return s
}

// NewServerWithOpts returns a new server.
// You must call Close on it after you are done using it.
func NewServerWithOpts(opts ...StackServiceOption) (*Server, error) {
	s := &Server{
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.requestTimeout < 0 {
		return nil, fmt.Errorf("request timeout (%s) cannot be negative", s.requestTimeout)
	}

	if s.stacks == nil {
		s.stacks = stack.NewMap[string, string]()
	}

	namedStacksGauge.Add(float64(s.stacks.Len()))

	return s, nil
}

// Top returns the value on top of the stack called name without removing it.
func (s *Server) Top(ctx context.Context, name string) (string, error) {
	var value string
	err := s.run(ctx, "top", name, func(ctx context.Context) error {
		return s.stacks.With(name, func(st *stack.Stack[string]) error {
			var err error
			value, err = st.Peek()
			return err
		})
	})
	if err != nil {
		return "", err
	}

	return value, nil
}

// Push puts value on top of the stack called name.
func (s *Server) Push(ctx context.Context, name, value string) error {
	return s.run(ctx, "push", name, func(ctx context.Context) error {
		return s.stacks.With(name, func(st *stack.Stack[string]) error {
			st.Push(value)
			return nil
		})
	})
}

// Pop removes and returns the value on top of the stack called name.
func (s *Server) Pop(ctx context.Context, name string) (string, error) {
	var value string
	err := s.run(ctx, "pop", name, func(ctx context.Context) error {
		return s.stacks.With(name, func(st *stack.Stack[string]) error {
			var err error
			value, err = st.Pop()
			return err
		})
	})
	if err != nil {
		return "", err
	}

	return value, nil
}

// CreateStack registers an empty stack called name.
func (s *Server) CreateStack(ctx context.Context, name string) error {
	return s.run(ctx, "create", name, func(ctx context.Context) error {
		if err := s.stacks.Create(name); err != nil {
			return err
		}
		namedStacksGauge.Inc()

		s.logger.DebugWithContext(ctx, "stack created", zap.String(stackNameTraceTag, name))
		return nil
	})
}

// DeleteStack unregisters the stack called name. Copies made from it are not
// affected.
func (s *Server) DeleteStack(ctx context.Context, name string) error {
	return s.run(ctx, "delete", name, func(ctx context.Context) error {
		if err := s.stacks.Remove(name); err != nil {
			return err
		}
		namedStacksGauge.Dec()

		s.logger.DebugWithContext(ctx, "stack deleted", zap.String(stackNameTraceTag, name))
		return nil
	})
}

// CopyStack registers under to a copy of the stack called from. The copy
// shares its contents with the source until either of them is modified.
func (s *Server) CopyStack(ctx context.Context, from, to string) error {
	return s.run(ctx, "copy", from, func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("copy_name", to))
		if err := validateStackName(to); err != nil {
			return serverErrors.InvalidStackName(to, err.Error())
		}

		err := s.stacks.Copy(from, to)
		if errors.Is(err, stack.ErrNameExists) {
			return serverErrors.HandleStackError(to, err)
		}
		if err != nil {
			return err
		}
		namedStacksGauge.Inc()

		s.logger.DebugWithContext(ctx, "stack copied",
			zap.String(stackNameTraceTag, from),
			zap.String("copy_name", to),
		)
		return nil
	})
}

// IsReady reports whether the server accepts operations.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	return !s.closed.Load(), nil
}

// Close waits for the operations in flight, then releases every stack held by
// the server. Operations started afterwards fail with codes.Unavailable.
func (s *Server) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed.Swap(true) {
		return
	}

	namedStacksGauge.Sub(float64(s.stacks.Close()))
}

// run wraps a single operation on the stack called name with a span, metrics
// and error translation. fn is not called if the name is invalid, if the server
// is closed or if ctx is already done. Once fn is called it runs to completion,
// so an operation that changed a stack always reports its outcome.
func (s *Server) run(ctx context.Context, operation, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String(stackNameTraceTag, name),
	))
	defer span.End()

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	start := time.Now()

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	err := validateStackName(name)
	switch {
	case err != nil:
		err = serverErrors.InvalidStackName(name, err.Error())
	case s.closed.Load():
		err = serverErrors.ServerClosed
	case ctx.Err() != nil:
		err = ctx.Err()
	default:
		err = fn(ctx)
	}

	if err != nil {
		if _, ok := status.FromError(err); !ok {
			err = serverErrors.HandleStackError(name, err)
		}
		telemetry.TraceError(span, err)

		var internalErr serverErrors.InternalError
		if errors.As(err, &internalErr) {
			s.logger.ErrorWithContext(ctx, "stack operation failed",
				zap.String("operation", operation),
				zap.String(stackNameTraceTag, name),
				zap.Error(internalErr.Internal()),
			)
		}
	}

	stackOperationDurationHistogram.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	stackOperationsCounter.WithLabelValues(operation, status.Code(err).String()).Inc()

	return err
}

func validateStackName(name string) error {
	switch {
	case name == "":
		return errors.New("must not be empty")
	case len(name) > MaxStackNameLength:
		return fmt.Errorf("must be at most %d bytes long", MaxStackNameLength)
	case strings.Contains(name, "/"):
		return errors.New("must not contain '/'")
	}

	return nil
}
