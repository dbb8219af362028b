package middleware

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var info = &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

func echoRequestID(ctx context.Context, req interface{}) (interface{}, error) {
	return RequestID(ctx), nil
}

func TestContextMiddleware(t *testing.T) {
	resp, err := ContextMiddleware(context.Background(), nil, info, echoRequestID)
	require.NoError(t, err)
	assert.Len(t, resp, 36, "generated IDs are UUIDs")

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "abc-123"))
	resp, err = ContextMiddleware(ctx, nil, info, echoRequestID)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp, "caller supplied ID is kept")
}

func TestRateLimitingInterceptor(t *testing.T) {
	interceptor := NewRateLimitingInterceptor(rate.NewLimiter(0, 2))
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		_, err := interceptor(context.Background(), nil, info, handler)
		require.NoError(t, err)
	}

	_, err := interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestMetricsInterceptor(t *testing.T) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests_total"}, []string{"method"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_latency_seconds"}, []string{"method"})
	interceptor := NewMetricsInterceptor(requests, latency)

	_, _ = interceptor(context.Background(), nil, info, echoRequestID)
	_, _ = interceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(requests.WithLabelValues("Check")))
	assert.Equal(t, 1, testutil.CollectAndCount(latency))
}

func TestLoggingInterceptor(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	interceptor := NewLoggingInterceptor(logger)

	ctx := WithRequestID(context.Background(), "req-1")
	_, err := interceptor(ctx, nil, info, echoRequestID)
	require.NoError(t, err)
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "req-1", hook.LastEntry().Data["request_id"])
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	_, err = interceptor(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	require.Error(t, err)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "NotFound", hook.LastEntry().Data["code"])
}

func TestStreamMiddlewares(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var seen string
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		seen = RequestID(ss.Context())
		return nil
	}
	streamInfo := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}

	err := StreamContextMiddleware(nil, &fakeStream{ctx: context.Background()}, streamInfo, handler)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)

	limited := NewStreamRateLimitingInterceptor(rate.NewLimiter(0, 0))
	err = limited(nil, &fakeStream{ctx: context.Background()}, streamInfo, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }
