package observability

import (
	"net/http"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campaignmedia"

var (
	// UploadOutcomes counts per-file outcomes by kind and status.
	UploadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_outcomes_total",
		Help:      "Per-file upload outcomes.",
	}, []string{"kind", "status"})

	BatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_batches_total",
		Help:      "Upload batches by HTTP status.",
	}, []string{"status"})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Remote asset rollbacks by result (deleted, journaled, failed).",
	}, []string{"result"})

	// Leaks is incremented by the cleanup coordinator when a file survives finalize.
	Leaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leaked_total",
		Help:      "Staged files or remote assets left behind after finalize.",
	}, []string{"state"})

	ThumbnailFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "thumbnail_failures_total",
		Help:      "Best-effort thumbnail derivations that failed.",
	})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Remote gateway calls by operation and result.",
	}, []string{"op", "result"})

	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Remote gateway call latency.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	PendingDeletions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_deletions",
		Help:      "Journaled remote deletions waiting for retry.",
	})
)

// MetricsCollector wraps Prometheus metrics for the admin gRPC server
type MetricsCollector struct {
	serverMetrics *grpcprom.ServerMetrics
	handler       http.Handler
}

// InitMetrics initializes Prometheus metrics for the admin gRPC server
func InitMetrics() (*MetricsCollector, error) {
	serverMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
		),
	)

	if err := prometheus.Register(serverMetrics); err != nil {
		// If already registered, that's okay (useful for testing)
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}

	return &MetricsCollector{
		serverMetrics: serverMetrics,
		handler:       promhttp.Handler(),
	}, nil
}

// GetServerMetrics returns the gRPC server metrics
func (mc *MetricsCollector) GetServerMetrics() *grpcprom.ServerMetrics {
	return mc.serverMetrics
}

// GetHandler returns the HTTP handler for /metrics endpoint
func (mc *MetricsCollector) GetHandler() http.Handler {
	return mc.handler
}
