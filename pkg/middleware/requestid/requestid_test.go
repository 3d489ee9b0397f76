package requestid

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

type healthService struct {
	healthv1pb.UnimplementedHealthServer
	T *testing.T
}

func (s *healthService) Check(ctx context.Context, _ *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	requestID, ok := FromContext(ctx)
	require.True(s.T, ok)
	require.Equal(s.T, requestID, grpc_ctxtags.Extract(ctx).Values()[requestIDKey])

	return &healthv1pb.HealthCheckResponse{Status: healthv1pb.HealthCheckResponse_SERVING}, nil
}

func TestInitID(t *testing.T) {
	t.Run("without_trace_returns_ulid", func(t *testing.T) {
		id := InitID(context.Background())
		_, err := ulid.Parse(id)
		require.NoError(t, err)
	})

	t.Run("with_trace_returns_trace_id", func(t *testing.T) {
		traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
		require.NoError(t, err)

		ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  spanID,
		}))
		require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", InitID(ctx))
	})
}

func TestUnaryInterceptor(t *testing.T) {
	listner := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() {
		listner.Close()
	})

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpc_ctxtags.UnaryServerInterceptor(),
		NewUnaryInterceptor(),
	))
	t.Cleanup(srv.Stop)

	healthv1pb.RegisterHealthServer(srv, &healthService{T: t})

	go func() {
		_ = srv.Serve(listner)
	}()

	conn, err := grpc.NewClient("passthrough://bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listner.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	var header metadata.MD
	_, err = healthv1pb.NewHealthClient(conn).Check(context.Background(), &healthv1pb.HealthCheckRequest{}, grpc.Header(&header))
	require.NoError(t, err)

	values := header.Get(RequestIDHeader)
	require.Len(t, values, 1)
	_, err = ulid.Parse(values[0])
	require.NoError(t, err)
}

func TestHTTPHandler(t *testing.T) {
	var seen string
	handler := NewHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		seen, ok = FromContext(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/s", nil))

	require.Equal(t, http.StatusNoContent, resp.Code)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, resp.Header().Get(RequestIDHeader))

	// Every request gets its own ID.
	other := httptest.NewRecorder()
	handler.ServeHTTP(other, httptest.NewRequest(http.MethodPost, "/s", nil))
	require.NotEqual(t, resp.Header().Get(RequestIDHeader), other.Header().Get(RequestIDHeader))
}
