package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-onboarding/internal/logger"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "onboarding.v1.OnboardingService"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHandler serves the standard gRPC health protocol for the service,
// tracking the reachability of its dependencies.
type GRPCHandler struct {
	health   *health.Server
	deps     map[string]Pinger
	interval time.Duration
	logger   *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler. deps are pinged every interval;
// the service reports NOT_SERVING while any of them fails.
func NewGRPCHandler(deps map[string]Pinger, interval time.Duration, log *logger.Logger) *GRPCHandler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &GRPCHandler{
		health:   health.NewServer(),
		deps:     deps,
		interval: interval,
		logger:   log.Component("grpc"),
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Register attaches the health and reflection services to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

// NewServer creates a gRPC server with request logging.
func (h *GRPCHandler) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(h.logUnary))
	s := grpc.NewServer(opts...)
	h.Register(s)
	return s
}

// Watch updates the serving status until ctx is cancelled.
func (h *GRPCHandler) Watch(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.Check(ctx)
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// Check pings every dependency once and updates the serving status.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	state := healthpb.HealthCheckResponse_SERVING
	for name, dep := range h.deps {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := dep.Ping(pctx)
		cancel()
		if err != nil {
			state = healthpb.HealthCheckResponse_NOT_SERVING
			h.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
		}
	}
	h.health.SetServingStatus("", state)
	h.health.SetServingStatus(ServiceName, state)
	return state
}

// logUnary logs every unary call with its status code and duration. The
// caller's x-request-id metadata, when present, is carried into the entry.
func (h *GRPCHandler) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := h.logger.Debug()
	if err != nil {
		ev = h.logger.Warn().Err(err)
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			ev = ev.Str("request_id", ids[0])
		}
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")
	return resp, err
}
