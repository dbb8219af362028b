// Package server exposes device health over the standard gRPC health
// checking protocol.
package server

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	middleware "github.com/bagaspng/Moisture-Sense-Dashboard/internal/grpc/middlewares"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// SetupServer builds a gRPC server carrying the health service behind the
// interceptor chain.
func SetupServer(health *HealthChecker, logger *logrus.Logger, m *metrics.Metrics, config ServerConfig) *grpc.Server {
	if m == nil {
		m = metrics.New(nil)
	}
	if config.RateLimit <= 0 {
		config = DefaultServerConfig()
	}
	limiter := rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)

	server := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.ContextMiddleware,                    // Add request ID first
				middleware.NewRateLimitingInterceptor(limiter), // Rate limit early
				middleware.NewLoggingInterceptor(logger),       // Log all requests (with request ID)
				middleware.NewMetricsInterceptor(m.RPCRequests, m.RPCLatency),
			),
		),
		grpc.StreamInterceptor(
			chainStreamInterceptors(
				middleware.StreamContextMiddleware,
				middleware.NewStreamRateLimitingInterceptor(limiter),
				middleware.NewStreamLoggingInterceptor(logger),
				middleware.NewStreamMetricsInterceptor(m.RPCRequests, m.RPCLatency),
			),
		),
	)

	grpc_health_v1.RegisterHealthServer(server, health)
	return server
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, next)
			}
		}
		return chain(ctx, req)
	}
}

func chainStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(currentSrv interface{}, currentStream grpc.ServerStream) error {
				return interceptor(currentSrv, currentStream, info, next)
			}
		}
		return chain(srv, ss)
	}
}
