package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/cleanup"
	"github.com/PaulBabatuyi/CampaignMedia/internal/config"
	"github.com/PaulBabatuyi/CampaignMedia/internal/database"
	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"github.com/PaulBabatuyi/CampaignMedia/internal/publicid"
	"github.com/PaulBabatuyi/CampaignMedia/internal/server"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/PaulBabatuyi/CampaignMedia/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// recordStore is what both the Postgres and the in-memory store provide.
type recordStore interface {
	upload.RecordStore
	upload.BatchSaver
	cleanup.Journal
	worker.DeletionJournal
	server.Pinger
}

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   recordStore
	closers []func() error
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := observability.InitLogger(observability.LogConfig{
		Level:      cfg.Logging.Level,
		Dev:        cfg.Logging.Dev,
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if cfg.Database.URL == "" {
		logger.Warn("no database configured, records are kept in memory")
		a.store = database.NewMemoryStore()
		return a, nil
	}

	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, db.Close)
	return a, nil
}

// close runs the closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *app) migrate(ctx context.Context) error {
	db, ok := a.store.(*database.PostgresDB)
	if !ok {
		return nil
	}
	return db.Migrate(ctx)
}

func (a *app) tracer(ctx context.Context) (*trace.TracerProvider, error) {
	if !a.cfg.Tracing.Enabled {
		return nil, nil
	}
	var w io.Writer = os.Stdout
	if out := a.cfg.Tracing.Output; out != "" && out != "stdout" {
		f, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		w = f
	}
	return observability.InitTracerProvider(ctx, w, a.logger)
}

func (a *app) reserver(ctx context.Context) (upload.Reserver, error) {
	ttl := a.cfg.Redis.ReservationTTL
	if a.cfg.Redis.Addr == "" {
		return publicid.NewMemory(100_000, ttl), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return publicid.NewRedis(client, "campaignmedia:publicid:", ttl), nil
}

// gateway builds the remote store named by the config, wrapped with
// timeouts, rate limiting and a circuit breaker.
func (a *app) gateway() (*gateway.Resilient, error) {
	gc := a.cfg.Gateway

	var (
		next gateway.Gateway
		err  error
	)
	switch gc.Driver {
	case "cloudinary":
		next, err = gateway.NewCloudinaryGateway(gateway.CloudinaryConfig{
			CloudName: gc.Cloudinary.CloudName,
			APIKey:    gc.Cloudinary.APIKey,
			APISecret: gc.Cloudinary.APISecret,
		}, a.logger)
		if err != nil {
			return nil, err
		}
	default:
		next = gateway.NewDiskGateway(gc.Disk.Dir, gc.Disk.BaseURL, a.logger)
	}

	return gateway.NewResilient(next, gateway.ResilienceConfig{
		Timeout:         gc.Timeout(),
		RatePerSecond:   gc.RatePerSecond,
		Burst:           gc.Burst,
		BreakerFailures: gc.BreakerFailures,
		BreakerCooldown: gc.BreakerCooldown,
		Name:            gc.Driver,
	}, a.logger).WithOrphanJournal(a.store), nil
}

func (a *app) retrier(deleter worker.Deleter) *worker.RollbackRetrier {
	return worker.NewRollbackRetrier(a.store, deleter, worker.RetrierConfig{
		PollInterval:  a.cfg.Workers.RetryPollInterval,
		BatchSize:     a.cfg.Workers.RetryBatchSize,
		DeleteTimeout: a.cfg.Gateway.Timeout(),
	}, a.logger.Named("retrier"))
}
