package server

import (
	"context"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/middleware"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// MediaServiceName is the health service name reported for the media API.
const MediaServiceName = "campaignmedia.Media"

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminRoutes serves /metrics and /health for the admin HTTP listener.
func AdminRoutes(metrics http.Handler, pinger Pinger, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", metrics)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Admin is the admin gRPC server. It carries the standard health service,
// kept current by Serve.
type Admin struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger
}

func NewAdmin(metrics *observability.MetricsCollector, pinger Pinger, interval time.Duration, logger *zap.Logger) *Admin {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srvMetrics := metrics.GetServerMetrics()

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			srvMetrics.UnaryServerInterceptor(),
			middleware.UnaryLoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			srvMetrics.StreamServerInterceptor(),
			middleware.StreamLoggingInterceptor(logger),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	srvMetrics.InitializeMetrics(grpcServer)

	return &Admin{
		grpc:     grpcServer,
		health:   hs,
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
}

// GRPCServer returns the server to register with a listener.
func (a *Admin) GRPCServer() *grpc.Server {
	return a.grpc
}

// Check pings the store once and publishes the result.
func (a *Admin) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := a.pinger.Ping(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		a.logger.Warn("record store unreachable", zap.Error(err))
	}
	a.health.SetServingStatus("", st)
	a.health.SetServingStatus(MediaServiceName, st)
	return st
}

// Serve keeps the health status current until ctx ends, then marks every
// service NOT_SERVING.
func (a *Admin) Serve(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			a.health.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

func (a *Admin) String() string {
	return "admin-health"
}
