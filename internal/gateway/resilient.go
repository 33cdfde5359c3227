package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/PaulBabatuyi/CampaignMedia/internal/gateway"

type ResilienceConfig struct {
	// Timeout bounds every remote call; a timeout is an UploadError.
	Timeout time.Duration
	// RatePerSecond limits outbound calls; zero disables the limiter.
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Name            string
}

func (c *ResilienceConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Name == "" {
		c.Name = "remote-gateway"
	}
}

// Resilient decorates a Gateway with timeouts, an outbound rate limit, a
// circuit breaker, tracing and metrics.
type Resilient struct {
	next    Gateway
	cfg     ResilienceConfig
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[any]
	tracer  trace.Tracer
	logger  *zap.Logger
	orphans OrphanJournal
}

func NewResilient(next Gateway, cfg ResilienceConfig, logger *zap.Logger) *Resilient {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	observability.BreakerState.WithLabelValues(cfg.Name).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Rejections of a single file say nothing about the store's health
		IsSuccessful: func(err error) bool {
			var ue *UploadError
			if errors.As(err, &ue) {
				return ue.Cause == CauseFormat || ue.Cause == CauseConflict
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			observability.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Resilient{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cb:      cb,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

func (r *Resilient) Upload(ctx context.Context, req UploadRequest) (*media.RemoteAsset, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.Upload", trace.WithAttributes(
		attribute.String("media.kind", string(req.Kind)),
		attribute.String("media.public_id", req.FullID()),
	))
	defer span.End()

	res, err := r.call(ctx, "upload", true, func(ctx context.Context) (any, error) {
		return r.next.Upload(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "upload failed")
		var ue *UploadError
		if !errors.As(err, &ue) {
			err = &UploadError{Cause: CauseNetwork, Err: err}
		}
		return nil, err
	}
	return res.(*media.RemoteAsset), nil
}

// DeriveThumbnail is bounded by the timeout but bypasses the breaker: it is
// best-effort and must not open the circuit for uploads.
func (r *Resilient) DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.DeriveThumbnail", trace.WithAttributes(
		attribute.String("media.public_id", asset.PublicID),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("panic in thumbnail derivation", zap.String("public_id", asset.PublicID), zap.Any("panic", p), zap.Stack("stack"))
				done <- result{err: &ThumbnailError{PublicID: asset.PublicID, Err: fmt.Errorf("gateway panic: %v", p)}}
			}
		}()
		u, err := r.next.DeriveThumbnail(ctx, asset)
		done <- result{u, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	r.observe("thumbnail", start, res.err)

	if res.err != nil {
		span.RecordError(res.err)
		var te *ThumbnailError
		if !errors.As(res.err, &te) {
			res.err = &ThumbnailError{PublicID: asset.PublicID, Err: res.err}
		}
		return "", res.err
	}
	return res.url, nil
}

func (r *Resilient) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	ctx, span := r.tracer.Start(ctx, "gateway.Delete", trace.WithAttributes(
		attribute.String("media.public_id", publicID),
	))
	defer span.End()

	_, err := r.call(ctx, "delete", false, func(ctx context.Context) (any, error) {
		return nil, r.next.Delete(ctx, publicID, kind)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "delete failed")
	}
	return err
}

// call runs fn through the limiter and breaker within the configured timeout.
// The wrapped driver may ignore ctx, so the result is awaited separately; an
// upload that completes after its deadline is deleted so it cannot leak.
func (r *Resilient) call(ctx context.Context, op string, isUpload bool, fn func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		err = &UploadError{Cause: CauseTimeout, Err: fmt.Errorf("rate limiter: %w", err)}
		r.observe(op, start, err)
		return nil, err
	}

	done := make(chan callResult, 1)
	go func() {
		// The breaker records the failure before re-panicking; the panic
		// must end here since this goroutine is not the caller's.
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("panic in gateway call", zap.String("op", op), zap.Any("panic", p), zap.Stack("stack"))
				done <- callResult{err: &UploadError{Cause: CauseNetwork, Err: fmt.Errorf("gateway panic: %v", p)}}
			}
		}()
		v, err := r.cb.Execute(func() (any, error) { return fn(ctx) })
		done <- callResult{v, err}
	}()

	select {
	case res := <-done:
		err := res.err
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			err = &UploadError{Cause: CauseUnavailable, Err: err}
		case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = &UploadError{Cause: CauseTimeout, Err: err}
		}
		r.observe(op, start, err)
		return res.v, err

	case <-ctx.Done():
		err := &UploadError{Cause: CauseTimeout, Err: ctx.Err()}
		r.observe(op, start, err)
		if isUpload {
			go r.reapLateUpload(done)
		}
		return nil, err
	}
}

type callResult struct {
	v   any
	err error
}

// reapLateUpload waits for an abandoned upload and deletes whatever it created.
func (r *Resilient) reapLateUpload(done <-chan callResult) {
	res := <-done
	asset, ok := res.v.(*media.RemoteAsset)
	if res.err != nil || !ok || asset == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	err := r.next.Delete(ctx, asset.PublicID, asset.Kind)
	if err == nil {
		observability.Rollbacks.WithLabelValues("deleted").Inc()
		r.logger.Warn("deleted upload that completed after its deadline", zap.String("public_id", asset.PublicID))
		return
	}

	if r.orphans != nil {
		if jerr := r.orphans.Record(ctx, asset.PublicID, asset.Kind, "late upload: "+err.Error()); jerr == nil {
			observability.Rollbacks.WithLabelValues("journaled").Inc()
			return
		}
	}
	observability.Rollbacks.WithLabelValues("failed").Inc()
	r.logger.Error("late upload could not be deleted",
		zap.String("public_id", asset.PublicID),
		zap.Error(err),
	)
}

// WithOrphanJournal records late uploads that could not be deleted inline.
func (r *Resilient) WithOrphanJournal(j OrphanJournal) *Resilient {
	r.orphans = j
	return r
}

// OrphanJournal durably records remote assets that still need deleting.
type OrphanJournal interface {
	Record(ctx context.Context, publicID string, kind media.Kind, reason string) error
}

func (r *Resilient) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		var ue *UploadError
		if errors.As(err, &ue) {
			result = string(ue.Cause)
		}
	}
	observability.GatewayRequests.WithLabelValues(op, result).Inc()
	observability.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
